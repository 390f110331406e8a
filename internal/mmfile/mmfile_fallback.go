//go:build !unix

package mmfile

import (
	"fmt"
	"os"
)

// Map reads the entire file when mmap is not available. Sync writes the
// buffer back in full.
func Map(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("mmfile: %s is empty", path)
	}
	m := &Mapping{Data: data}
	m.sync = func(full bool) error {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := f.WriteAt(data, 0); err != nil {
			return err
		}
		if full {
			return f.Sync()
		}
		return nil
	}
	m.close = func() error { return nil }
	return m, nil
}
