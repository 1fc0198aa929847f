package compress

import (
	"strings"

	"github.com/DataDog/zstd"
	lz4 "github.com/hungys/go-lz4"
	"github.com/pkg/errors"
)

// Compressor turns a raw buffer into a compact blob and back. Compress and
// Decompress must be exact inverses for every valid input. Decompress of a
// corrupted blob returns an error; it never panics.
type Compressor interface {
	Name() string
	CompressBound(len int) int
	// Compress writes the compressed form of src into dst and returns the
	// number of bytes written. dst must be at least CompressBound(len(src))
	// bytes long.
	Compress(dst, src []byte) (int, error)
	// Decompress writes the original data into dst, whose length must equal
	// the original size, and returns the number of bytes written.
	Decompress(dst, src []byte) (int, error)
}

// NewCompressor returns the compressor registered under name, or nil if the
// algorithm is not supported.
func NewCompressor(algr string) Compressor {
	switch strings.ToLower(algr) {
	case "lz4":
		return LZ4{}
	case "zstd":
		return ZStandard{zstd.DefaultCompression}
	case "zlib", "deflate":
		return Zlib{}
	case "none", "":
		return NoOp{}
	}
	return nil
}

type NoOp struct{}

func (n NoOp) Name() string             { return "None" }
func (n NoOp) CompressBound(le int) int { return le }

func (n NoOp) Compress(dst, src []byte) (int, error) {
	if len(dst) < len(src) {
		return 0, errors.New("dst is too small")
	}
	return copy(dst, src), nil
}

func (n NoOp) Decompress(dst, src []byte) (int, error) {
	if len(src) < len(dst) {
		return 0, errors.New("src is too small")
	}
	return copy(dst, src), nil
}

type LZ4 struct{}

func (l LZ4) Name() string             { return "LZ4" }
func (l LZ4) CompressBound(le int) int { return lz4.CompressBound(le) }

func (l LZ4) Compress(dst, src []byte) (int, error) {
	return lz4.CompressDefault(src, dst)
}

func (l LZ4) Decompress(dst, src []byte) (int, error) {
	return lz4.DecompressSafe(src, dst)
}

type ZStandard struct {
	level int
}

func (n ZStandard) Name() string             { return "Zstd" }
func (n ZStandard) CompressBound(le int) int { return zstd.CompressBound(le) }

func (n ZStandard) Compress(dst, src []byte) (int, error) {
	d, err := zstd.CompressLevel(dst[:0], src, n.level)
	if err != nil {
		return 0, err
	}
	if len(d) > cap(dst) {
		// zstd allocated a fresh buffer instead of filling dst
		return 0, errors.New("dst is too small")
	}
	return len(d), nil
}

func (n ZStandard) Decompress(dst, src []byte) (int, error) {
	d, err := zstd.Decompress(dst[:0], src)
	if err != nil {
		return 0, err
	}
	if len(d) > cap(dst) {
		return 0, errors.New("dst is too small")
	}
	return len(d), nil
}
