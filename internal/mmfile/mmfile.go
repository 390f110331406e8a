// Package mmfile provides platform-specific helpers for memory-mapping
// filesystem images read-write.
package mmfile

// Mapping is a writable view of a file. Writes to Data reach the file once
// Sync returns (or, on platforms without mmap, when Sync copies them back).
type Mapping struct {
	Data []byte

	sync  func(full bool) error
	close func() error
}

// Sync flushes modified pages. full requests a device-level flush as well.
func (m *Mapping) Sync(full bool) error {
	if m.sync == nil {
		return nil
	}
	return m.sync(full)
}

// Close releases the mapping. Unsynced changes may be lost.
func (m *Mapping) Close() error {
	if m.close == nil {
		return nil
	}
	err := m.close()
	m.close = nil
	m.sync = nil
	m.Data = nil
	return err
}
