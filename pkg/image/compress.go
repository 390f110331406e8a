package image

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"
)

// Compression is the container an image file is stored in.
type Compression int

const (
	None Compression = iota
	XZ
	Bzip2
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case XZ:
		return "xz"
	case Bzip2:
		return "bzip2"
	default:
		return fmt.Sprintf("Compression(%d)", int(c))
	}
}

// DetectCompression picks the container from the file extension.
func DetectCompression(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xz":
		return XZ
	case ".bz2":
		return Bzip2
	default:
		return None
	}
}

// decompress reads the whole compressed image at path.
func decompress(path string, c Compression) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader
	switch c {
	case XZ:
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("image: %s: %w", path, err)
		}
		r = xr
	case Bzip2:
		br, err := bzip2.NewReader(f, nil)
		if err != nil {
			return nil, fmt.Errorf("image: %s: %w", path, err)
		}
		defer br.Close()
		r = br
	default:
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("image: decompress %s: %w", path, err)
	}
	return data, nil
}

// compressTo writes data to w in container c.
func compressTo(w io.Writer, data []byte, c Compression) error {
	var wc io.WriteCloser
	switch c {
	case XZ:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return err
		}
		wc = xw
	case Bzip2:
		bw, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
		if err != nil {
			return err
		}
		wc = bw
	default:
		_, err := io.Copy(w, bytes.NewReader(data))
		return err
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return err
	}
	return wc.Close()
}

// writeFileAtomic writes data to path through a temporary file in the same
// directory, so a failed write leaves the old file intact.
func writeFileAtomic(path string, data []byte, c Compression) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("image: save %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if err = compressTo(tmp, data, c); err != nil {
		return fmt.Errorf("image: compress %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("image: save %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("image: save %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("image: save %s: %w", path, err)
	}
	return nil
}
