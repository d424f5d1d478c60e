// Buffer pooling for the wire hot paths.
//
// The serial link encodes one frame per scheduler tick while motion
// runs, so the encode buffers are recycled instead of allocated per
// send.
//
// Usage:
//
//	buf := pool.GetBuffer()
//	defer pool.PutBuffer(buf)
//	// append into *buf...
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package pool

import "sync"

// maxPooledCap keeps oversized buffers out of the pool.
const maxPooledCap = 4096

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 64) // common frame size
		return &b
	},
}

// GetBuffer returns an empty byte slice with retained capacity. The
// pointer is what goes back to PutBuffer; append through it.
func GetBuffer() *[]byte {
	b := bufferPool.Get().(*[]byte)
	*b = (*b)[:0]
	return b
}

// PutBuffer returns a buffer to the pool.
func PutBuffer(b *[]byte) {
	if b == nil || cap(*b) > maxPooledCap {
		return
	}
	bufferPool.Put(b)
}
