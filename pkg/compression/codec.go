// Package compression wraps file streams with a compression codec chosen
// from the file name suffix (users.csv.gz, events.jsonl.zst).
package compression

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents framed snappy compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents s2 compression (Snappy compatible)
	S2 Algorithm = "s2"
)

var suffixes = map[string]Algorithm{
	".gz":     Gzip,
	".gzip":   Gzip,
	".sz":     Snappy,
	".snappy": Snappy,
	".lz4":    LZ4,
	".zst":    Zstd,
	".zstd":   Zstd,
	".s2":     S2,
}

// FromPath returns the algorithm of a file from its last suffix and the
// path without that suffix. Unknown suffixes are None.
func FromPath(path string) (Algorithm, string) {
	lower := strings.ToLower(path)
	for suffix, alg := range suffixes {
		if strings.HasSuffix(lower, suffix) {
			return alg, path[:len(path)-len(suffix)]
		}
	}
	return None, path
}

// NewReader decompresses r
func NewReader(alg Algorithm, r io.Reader) (io.ReadCloser, error) {
	switch alg {
	case None, "":
		return io.NopCloser(r), nil
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip stream: %w", err)
		}
		return gz, nil
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case S2:
		return io.NopCloser(s2.NewReader(r)), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("invalid zstd stream: %w", err)
		}
		return dec.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
}

// NewWriter compresses into w. Closing the returned writer flushes the
// codec but does not close w.
func NewWriter(alg Algorithm, w io.Writer) (io.WriteCloser, error) {
	switch alg {
	case None, "":
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case S2:
		return s2.NewWriter(w), nil
	case LZ4:
		return lz4.NewWriter(w), nil
	case Zstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("cannot create zstd encoder: %w", err)
		}
		return enc, nil
	}
	return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
