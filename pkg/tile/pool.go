package tile

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrPoolPressure reports that the pool's byte ceiling was reached and a
// fresh buffer was handed out anyway. The returned buffer is always valid;
// callers should log and carry on.
var ErrPoolPressure = errors.New("buffer pool over its byte ceiling")

// BytesPerPixel is the RGBA pixel stride.
const BytesPerPixel = 4

// classSizes are the pooled buffer sizes, one RGBA buffer per supported tile
// dimension, sorted ascending. Requests for any other size always allocate
// fresh and are never pooled.
var classSizes = [3]int{
	256 * 256 * BytesPerPixel,
	512 * 512 * BytesPerPixel,
	1024 * 1024 * BytesPerPixel,
}

type PoolConfig struct {
	// InitialFree is the base number of free buffers a class may keep; a
	// trim pass shrinks every free list down to InitialFree*GrowthFactor
	// entries.
	InitialFree  int
	GrowthFactor float64
	// MaxBytes is a soft ceiling on the bytes owned by the pool (free lists
	// plus buffers handed out). Zero disables the ceiling.
	MaxBytes int64
}

// BufferPool recycles pixel buffers by exact size class so that steady-state
// tile churn does not allocate.
type BufferPool struct {
	conf PoolConfig

	mu        sync.Mutex
	free      map[int][][]byte
	allocated int64 // bytes owned by the pool, free and in use
	hits      int64
	misses    int64
}

type PoolStats struct {
	AllocatedBytes int64 `json:"allocated_bytes"`
	FreeBuffers    int   `json:"free_buffers"`
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
}

func NewBufferPool(conf PoolConfig) *BufferPool {
	if conf.GrowthFactor <= 0 {
		conf.GrowthFactor = 1
	}
	p := &BufferPool{conf: conf, free: make(map[int][][]byte, len(classSizes))}
	for _, size := range classSizes {
		p.free[size] = nil
	}
	return p
}

func pooledSize(size int) bool {
	for _, s := range classSizes {
		if s == size {
			return true
		}
	}
	return false
}

// Allocate returns a buffer of exactly size bytes. The content is not
// zeroed; callers must fill it before use. When the pool is at its ceiling
// the allocation still succeeds, together with ErrPoolPressure.
func (p *BufferPool) Allocate(size int) ([]byte, error) {
	if !pooledSize(size) {
		return make([]byte, size), nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if buf := p.take(size); buf != nil {
		p.hits++
		return buf, nil
	}
	p.misses++
	if p.conf.MaxBytes > 0 && p.allocated+int64(size) > p.conf.MaxBytes {
		p.trim()
		if p.allocated+int64(size) > p.conf.MaxBytes {
			p.allocated += int64(size)
			return make([]byte, size), ErrPoolPressure
		}
	}
	p.allocated += int64(size)
	return make([]byte, size), nil
}

// Deallocate returns a buffer to its size class. Ownership transfers to the
// pool; the caller must not touch the buffer afterward.
func (p *BufferPool) Deallocate(buf []byte) {
	if buf == nil {
		return
	}
	size := cap(buf)
	if !pooledSize(size) {
		return
	}
	p.mu.Lock()
	p.free[size] = append(p.free[size], buf[:size])
	p.mu.Unlock()
}

// take pops a free buffer of the class, or nil. Caller holds p.mu.
func (p *BufferPool) take(size int) []byte {
	list := p.free[size]
	if n := len(list); n > 0 {
		buf := list[n-1]
		p.free[size] = list[:n-1]
		return buf
	}
	return nil
}

// trim shrinks every class's free list to InitialFree*GrowthFactor entries,
// releasing the surplus to the garbage collector. Caller holds p.mu.
func (p *BufferPool) trim() {
	keep := int(float64(p.conf.InitialFree) * p.conf.GrowthFactor)
	if keep < 0 {
		keep = 0
	}
	for size, list := range p.free {
		if len(list) <= keep {
			continue
		}
		p.allocated -= int64(size) * int64(len(list)-keep)
		for i := keep; i < len(list); i++ {
			list[i] = nil // drop the reference so the surplus is collectible
		}
		p.free[size] = list[:keep]
	}
}

func (p *BufferPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var free int
	for _, list := range p.free {
		free += len(list)
	}
	return PoolStats{
		AllocatedBytes: p.allocated,
		FreeBuffers:    free,
		Hits:           p.hits,
		Misses:         p.misses,
	}
}
