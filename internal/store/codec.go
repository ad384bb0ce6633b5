package store

import (
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// Compression selects the codec used for artifact blobs and snapshot
// bodies. The zero value names no codec; ParseCompression maps an empty
// name to Gzip.
type Compression string

const (
	NoCompression Compression = "none"
	Gzip          Compression = "gzip"
	Lzma          Compression = "lzma"
	Bz2           Compression = "bz2"
)

// ParseCompression validates a compression name from the CLI or a snapshot.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case NoCompression, Gzip, Lzma, Bz2:
		return Compression(name), nil
	case "":
		return Gzip, nil
	}
	return "", fmt.Errorf("unknown compression %q (want gzip, lzma, bz2 or none)", name)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w with the codec's compressor.
func (c Compression) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case NoCompression:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriterLevel(w, gzip.BestSpeed)
	case Lzma:
		return xz.NewWriter(w)
	case Bz2:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	}
	return nil, fmt.Errorf("unknown compression %q", string(c))
}

// NewReader wraps r with the codec's decompressor.
func (c Compression) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case NoCompression:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Lzma:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case Bz2:
		return bzip2.NewReader(r, nil)
	}
	return nil, fmt.Errorf("unknown compression %q", string(c))
}
