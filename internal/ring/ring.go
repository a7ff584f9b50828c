// Package ring implements the fixed-size, single-producer/single-consumer
// byte staging buffer used to decouple a connection's read readiness from
// its write readiness.
package ring

// Buffer is a fixed-capacity byte region with two monotonic cursors, read
// and write, such that 0 <= read <= write <= capacity. It never grows and
// never blocks: callers drive it entirely through spans they fill or drain
// by advancing the matching cursor.
//
// Buffer is not safe for concurrent use; it is owned by exactly one
// connection and touched only by the event loop goroutine.
type Buffer struct {
	data  []byte
	read  int
	write int
}

// New allocates a Buffer with the given capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// CanRead reports whether there is at least one unread byte.
func (b *Buffer) CanRead() bool { return b.read < b.write }

// CanWrite reports whether there is room for at least one more byte.
func (b *Buffer) CanWrite() bool { return b.write < len(b.data) }

// WritableSpan returns the contiguous slice a producer may fill. The caller
// must call AdvanceWrite with the number of bytes it actually wrote, which
// must not exceed len(span).
func (b *Buffer) WritableSpan() []byte {
	return b.data[b.write:]
}

// AdvanceWrite moves the write cursor forward by n bytes, which must have
// been written into the slice most recently returned by WritableSpan.
func (b *Buffer) AdvanceWrite(n int) {
	if n < 0 || b.write+n > len(b.data) {
		panic("ring: advance_write out of range")
	}
	b.write += n
}

// ReadableSpan returns the contiguous slice a consumer may drain. The caller
// must call AdvanceRead with the number of bytes it actually consumed, which
// must not exceed len(span).
func (b *Buffer) ReadableSpan() []byte {
	return b.data[b.read:b.write]
}

// AdvanceRead moves the read cursor forward by n bytes, which must have been
// consumed from the slice most recently returned by ReadableSpan. When the
// read cursor catches up to the write cursor, both are reset to zero so the
// next WritableSpan call returns the buffer's full capacity again.
func (b *Buffer) AdvanceRead(n int) {
	if n < 0 || b.read+n > b.write {
		panic("ring: advance_read out of range")
	}
	b.read += n
	if b.read == b.write {
		b.read, b.write = 0, 0
	}
}

// Reset discards any staged bytes and returns the buffer to its initial,
// empty state.
func (b *Buffer) Reset() {
	b.read, b.write = 0, 0
}

// Len returns the number of unread bytes currently staged.
func (b *Buffer) Len() int { return b.write - b.read }
