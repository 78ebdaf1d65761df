package archive

import (
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// newCompressor wraps w with the configured compression codec.
func newCompressor(w io.Writer, codec string) (io.WriteCloser, error) {
	switch codec {
	case "none", "":
		return nopWriteCloser{w}, nil
	case "gzip":
		return gzip.NewWriter(w), nil
	case "bzip2":
		bw, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
		if err != nil {
			return nil, fmt.Errorf("archive: bzip2 writer: %w", err)
		}
		return bw, nil
	case "zstd":
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("archive: zstd writer: %w", err)
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("archive: unknown codec %q", codec)
	}
}

func codecExtension(codec string) string {
	switch codec {
	case "gzip":
		return "gz"
	case "bzip2":
		return "bz2"
	case "zstd":
		return "zst"
	default:
		return "mrt"
	}
}
