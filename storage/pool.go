package storage

import "sync"

// Buffers above this size are dropped instead of being returned to the pool so
// a single huge value does not pin memory forever.
const maxPooledBuffer = 64 << 10

// BufferPool recycles the scratch buffers records are encoded into.
type BufferPool struct {
	pool sync.Pool
}

func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				buf := new([]byte)            // Attempt to force allocation on heap.
				*buf = make([]byte, 0, 1<<10) // 1kb
				return buf
			},
		},
	}
}

func (p *BufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *BufferPool) Put(b *[]byte) {
	if cap(*b) > maxPooledBuffer {
		return
	}

	*b = (*b)[:0]

	p.pool.Put(b)
}
