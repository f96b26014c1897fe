package archive

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType names a supported compression algorithm
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
	CompressionLZ4  CompressionType = "lz4"
)

// Extension returns the filename extension for archives using this codec
func (c CompressionType) Extension() string {
	switch c {
	case CompressionGzip:
		return ".tar.gz"
	case CompressionZstd:
		return ".tar.zst"
	case CompressionLZ4:
		return ".tar.lz4"
	default:
		return ".tar"
	}
}

// ParseCompressionType validates a compression name from configuration
func ParseCompressionType(s string) (CompressionType, error) {
	switch CompressionType(s) {
	case CompressionNone, CompressionGzip, CompressionZstd, CompressionLZ4:
		return CompressionType(s), nil
	default:
		return "", fmt.Errorf("unsupported compression type: %q", s)
	}
}

// nopWriteCloser adapts a plain writer for the none codec
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewCompressingWriter wraps w with the requested codec at the given level
func NewCompressingWriter(w io.Writer, codec CompressionType, level int) (io.WriteCloser, error) {
	switch codec {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		if level < gzip.HuffmanOnly || level > gzip.BestCompression {
			level = gzip.DefaultCompression
		}
		return gzip.NewWriterLevel(w, level)
	case CompressionZstd:
		zl := zstd.SpeedDefault
		switch {
		case level <= 2:
			zl = zstd.SpeedFastest
		case level >= 8:
			zl = zstd.SpeedBestCompression
		case level >= 6:
			zl = zstd.SpeedBetterCompression
		}
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zl))
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		if err := lw.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(level))); err != nil {
			// Fall back to the default level on an out-of-range value.
			lw = lz4.NewWriter(w)
		}
		return lw, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %q", codec)
	}
}

// zstdReadCloser adapts the zstd decoder, which has a Close without error
type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// NewDecompressingReader wraps r with the decoder matching the codec
func NewDecompressingReader(r io.Reader, codec CompressionType) (io.ReadCloser, error) {
	switch codec {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionGzip:
		return gzip.NewReader(r)
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{dec}, nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %q", codec)
	}
}

// DetectCompression infers the codec from an archive filename
func DetectCompression(filename string) CompressionType {
	switch {
	case hasSuffix(filename, ".tar.gz"), hasSuffix(filename, ".tgz"), hasSuffix(filename, ".gz"):
		return CompressionGzip
	case hasSuffix(filename, ".tar.zst"), hasSuffix(filename, ".zst"):
		return CompressionZstd
	case hasSuffix(filename, ".tar.lz4"), hasSuffix(filename, ".lz4"):
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
