package generic

import "sync"

// Pool is a typed sync.Pool.
type Pool[T any] struct {
	pool sync.Pool
}

func NewPool[T any](generate func() T) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return generate()
			},
		},
	}
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(value T) {
	p.pool.Put(value)
}

// BufferPool recycles byte slices used to assemble outgoing messages.
// Buffers that grew beyond maxRetained are dropped instead of pooled.
type BufferPool struct {
	pool        *Pool[*[]byte]
	maxRetained int
}

func NewBufferPool(initial, maxRetained int) *BufferPool {
	return &BufferPool{
		pool: NewPool(func() *[]byte {
			b := make([]byte, 0, initial)
			return &b
		}),
		maxRetained: maxRetained,
	}
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *[]byte {
	b := p.pool.Get()
	*b = (*b)[:0]
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func (p *BufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) > p.maxRetained {
		return
	}
	p.pool.Put(b)
}
