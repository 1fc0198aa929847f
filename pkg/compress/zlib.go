package compress

import (
	"bytes"
	"compress/zlib"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// zwPool reuses zlib.Writer instances to avoid re-allocating the deflate
// state for every buffer.
var zwPool = sync.Pool{New: func() any { return zlib.NewWriter(io.Discard) }}

// zrPool reuses zlib.Reader instances. A fresh one is created on demand the
// first time Get() misses, because there is no exported zero-value
// constructor for zlib.Reader.
var zrPool = sync.Pool{New: func() any { return nil }}

// Zlib is a deflate codec on top of the standard zlib stream format.
type Zlib struct{}

func (z Zlib) Name() string { return "Zlib" }

// CompressBound mirrors deflate's worst case: 5 bytes per 16K stored block
// plus the zlib header and checksum.
func (z Zlib) CompressBound(le int) int {
	return le + 5*(le/16383+1) + 11
}

// fixedBuffer is an io.Writer over a preallocated slice that fails instead
// of growing.
type fixedBuffer struct {
	buf []byte
	n   int
}

func (b *fixedBuffer) Write(p []byte) (int, error) {
	n := copy(b.buf[b.n:], p)
	b.n += n
	if n < len(p) {
		return n, errors.New("dst is too small")
	}
	return n, nil
}

func (z Zlib) Compress(dst, src []byte) (int, error) {
	w := &fixedBuffer{buf: dst}
	zw := zwPool.Get().(*zlib.Writer)
	defer zwPool.Put(zw)
	zw.Reset(w)
	if _, err := zw.Write(src); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	return w.n, nil
}

func (z Zlib) Decompress(dst, src []byte) (int, error) {
	zr, err := getZlibReader(bytes.NewReader(src))
	if err != nil {
		return 0, err
	}
	defer putZlibReader(zr)
	n, err := io.ReadFull(zr, dst)
	if err != nil {
		return n, err
	}
	// the stream must end exactly at the expected size
	var one [1]byte
	if m, _ := zr.Read(one[:]); m != 0 {
		return n, errors.New("trailing data after zlib stream")
	}
	return n, nil
}

func getZlibReader(src io.Reader) (io.ReadCloser, error) {
	if v := zrPool.Get(); v != nil {
		if zr, ok := v.(interface {
			Reset(io.Reader, []byte) error
		}); ok {
			if err := zr.Reset(src, nil); err == nil {
				return zr.(io.ReadCloser), nil
			}
		}
	}
	return zlib.NewReader(src)
}

func putZlibReader(r io.ReadCloser) {
	_ = r.Close()
	zrPool.Put(r)
}
