// Package frame converts byte streams into discrete, validated Modbus
// application messages and back. It provides the framer contract, the
// receive buffer, and the two concrete framers: RTU (CRC-validated
// serial framing) and Socket (MBAP length-prefixed framing for
// TCP/UDP/TLS carriers).
package frame

import "errors"

// ErrBufferOverflow is returned when appending would exceed the
// buffer's size limit.
var ErrBufferOverflow = errors.New("buffer overflow")

// DefaultBufferSize bounds the receive buffer. A Modbus ADU is at most
// 260 bytes, so this leaves ample room for resynchronization trash.
const DefaultBufferSize = 4096

// Buffer accumulates received bytes for a framer. Byte 0 is always the
// earliest unconsumed byte. Consumption from the front is amortized
// constant: the underlying slice is compacted on Append once the
// consumed prefix outgrows the live data or exceeds 1024 bytes.
type Buffer struct {
	data    []byte
	off     int
	maxSize int
}

// NewBuffer creates a buffer bounded to maxSize bytes of live data.
func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &Buffer{data: make([]byte, 0, 512), maxSize: maxSize}
}

// Append adds data to the end of the buffer.
func (b *Buffer) Append(p []byte) error {
	if b.Len()+len(p) > b.maxSize {
		return ErrBufferOverflow
	}
	b.compact()
	b.data = append(b.data, p...)
	return nil
}

// Bytes returns a view of the unconsumed bytes. The view is only valid
// until the next Append or Consume.
func (b *Buffer) Bytes() []byte {
	return b.data[b.off:]
}

// Peek returns a view of the first n unconsumed bytes.
func (b *Buffer) Peek(n int) []byte {
	return b.data[b.off : b.off+n]
}

// Consume discards the first n unconsumed bytes.
func (b *Buffer) Consume(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.off += n
}

// DropTo discards everything before index i.
func (b *Buffer) DropTo(i int) {
	b.Consume(i)
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.data) - b.off
}

// Reset discards all buffered data.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.off = 0
}

func (b *Buffer) compact() {
	if b.off == 0 {
		return
	}
	if b.off >= len(b.data) {
		b.data = b.data[:0]
		b.off = 0
		return
	}
	if b.off > len(b.data)/2 || b.off > 1024 {
		n := copy(b.data, b.data[b.off:])
		b.data = b.data[:n]
		b.off = 0
	}
}
