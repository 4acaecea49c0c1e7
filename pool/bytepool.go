// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

var _ ObjectPool[[]byte] = (*BytePool)(nil)

// BytePool hands out buffers of one fixed size. Buffers of any other
// capacity are not taken back.
type BytePool struct {
	size int
	sp   *SyncPool[*[]byte]
}

// NewBytePool creates a pool of size-byte buffers.
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		sp: NewSyncPool(func() *[]byte {
			b := make([]byte, size)
			return &b
		}),
	}
}

// Size returns the buffer length.
func (b *BytePool) Size() int { return b.size }

// Get returns a buffer of length Size.
func (b *BytePool) Get() []byte {
	return (*b.sp.Get())[:b.size]
}

// Put recycles buf. The caller must not use it afterwards.
func (b *BytePool) Put(buf []byte) {
	if cap(buf) != b.size {
		return
	}
	buf = buf[:b.size]
	b.sp.Put(&buf)
}
