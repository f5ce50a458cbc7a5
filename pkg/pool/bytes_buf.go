package pool

import (
	"bytes"
	"math/bits"
	"sync"
)

// Buffers bigger than this are not pooled.
const maxPooledBufSize = 1 << 20

var bytesBufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// GetBytesBuf returns an empty *bytes.Buffer. Release it with ReleaseBytesBuf.
func GetBytesBuf() *bytes.Buffer {
	return bytesBufPool.Get().(*bytes.Buffer)
}

func ReleaseBytesBuf(b *bytes.Buffer) {
	if b.Cap() > maxPooledBufSize {
		return
	}
	b.Reset()
	bytesBufPool.Put(b)
}

// Buffer is a fixed length byte slice taken from a size-class pool.
type Buffer struct {
	b []byte
	n int
}

// Bytes returns the first n bytes requested in GetBuf.
func (b *Buffer) Bytes() []byte {
	return b.b[:b.n]
}

// AllBytes returns the whole underlying slice.
func (b *Buffer) AllBytes() []byte {
	return b.b
}

func (b *Buffer) Release() {
	c := cap(b.b)
	if c > maxPooledBufSize {
		return
	}
	sizeClasses[bits.Len(uint(c))-1].Put(b)
}

// sizeClasses[i] holds buffers with cap 1<<i.
var sizeClasses [bits.UintSize]sync.Pool

// GetBuf returns a *Buffer whose Bytes() has length n.
func GetBuf(n int) *Buffer {
	if n <= 0 {
		n = 0
	}
	i := bits.Len(uint(n))
	if n > 0 && n&(n-1) == 0 {
		i-- // already a power of 2
	}
	if (1 << i) > maxPooledBufSize {
		return &Buffer{b: make([]byte, n), n: n}
	}
	if buf, ok := sizeClasses[i].Get().(*Buffer); ok {
		buf.n = n
		return buf
	}
	return &Buffer{b: make([]byte, 1<<i), n: n}
}
