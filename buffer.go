package mqttloop

import "io"

// ByteBuffer is a length/capacity/cursor view over a byte array passed
// between stages. Owned buffers are released to a pool by whoever holds
// them last; borrowed buffers wrap memory the engine never frees.
//
// Invariant: Cursor() <= Len() <= Cap().
type ByteBuffer struct {
	data     []byte
	cursor   int
	owned    bool
	released bool
}

// NewByteBuffer allocates an owned, empty buffer with the given capacity.
func NewByteBuffer(capacity int) *ByteBuffer {
	if capacity < 0 {
		capacity = 0
	}
	outstandingByteBuffers.Add(1)
	return &ByteBuffer{
		data:  getBytes(capacity),
		owned: true,
	}
}

// WrapByteBuffer returns a borrowed buffer whose length is len(p).
func WrapByteBuffer(p []byte) *ByteBuffer {
	return &ByteBuffer{data: p}
}

// ByteBufferFromString returns an owned buffer holding a copy of s.
func ByteBufferFromString(s string) *ByteBuffer {
	b := NewByteBuffer(len(s))
	b.data = append(b.data, s...)
	return b
}

// ByteBufferFromBytes returns an owned buffer holding a copy of p.
func ByteBufferFromBytes(p []byte) *ByteBuffer {
	b := NewByteBuffer(len(p))
	b.data = append(b.data, p...)
	return b
}

// Owned reports whether Release returns memory to the pool.
func (b *ByteBuffer) Owned() bool { return b.owned }

// Len returns the number of valid bytes.
func (b *ByteBuffer) Len() int { return len(b.data) }

// Cap returns the capacity of the backing array.
func (b *ByteBuffer) Cap() int { return cap(b.data) }

// Cursor returns the read position.
func (b *ByteBuffer) Cursor() int { return b.cursor }

// Remaining returns the number of unread bytes.
func (b *ByteBuffer) Remaining() int { return len(b.data) - b.cursor }

// Bytes returns the unread region. The slice aliases the buffer.
func (b *ByteBuffer) Bytes() []byte { return b.data[b.cursor:] }

// All returns every valid byte regardless of the cursor.
func (b *ByteBuffer) All() []byte { return b.data }

// Advance moves the cursor forward by n bytes, clamped to Len.
func (b *ByteBuffer) Advance(n int) {
	b.cursor += n
	if b.cursor > len(b.data) {
		b.cursor = len(b.data)
	}
	if b.cursor < 0 {
		b.cursor = 0
	}
}

// Free returns the writable region between Len and Cap. Bytes copied
// into it become valid after Commit.
func (b *ByteBuffer) Free() []byte { return b.data[len(b.data):cap(b.data)] }

// Commit extends Len by n bytes previously written into Free.
func (b *ByteBuffer) Commit(n int) {
	if n < 0 {
		n = 0
	}
	if room := cap(b.data) - len(b.data); n > room {
		n = room
	}
	b.data = b.data[:len(b.data)+n]
}

// Rewind moves the cursor back to the start.
func (b *ByteBuffer) Rewind() { b.cursor = 0 }

// Reset empties the buffer keeping its capacity.
func (b *ByteBuffer) Reset() {
	b.data = b.data[:0]
	b.cursor = 0
}

// ReadByte consumes one byte at the cursor.
func (b *ByteBuffer) ReadByte() (byte, error) {
	if b.cursor >= len(b.data) {
		return 0, io.EOF
	}
	c := b.data[b.cursor]
	b.cursor++
	return c, nil
}

// Read consumes up to len(p) bytes at the cursor.
func (b *ByteBuffer) Read(p []byte) (int, error) {
	if b.cursor >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.cursor:])
	b.cursor += n
	return n, nil
}

// Write appends p, doubling the capacity of owned buffers as needed.
// Borrowed buffers never reallocate and report io.ErrShortBuffer.
func (b *ByteBuffer) Write(p []byte) (int, error) {
	if err := b.grow(len(p)); err != nil {
		return 0, err
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// WriteByte appends a single byte.
func (b *ByteBuffer) WriteByte(c byte) error {
	if err := b.grow(1); err != nil {
		return err
	}
	b.data = append(b.data, c)
	return nil
}

// WriteString appends s.
func (b *ByteBuffer) WriteString(s string) (int, error) {
	if err := b.grow(len(s)); err != nil {
		return 0, err
	}
	b.data = append(b.data, s...)
	return len(s), nil
}

func (b *ByteBuffer) grow(n int) error {
	need := len(b.data) + n
	if need <= cap(b.data) {
		return nil
	}
	if !b.owned {
		return io.ErrShortBuffer
	}

	newCap := cap(b.data)
	if newCap == 0 {
		newCap = minPooledCapacity
	}
	for newCap < need {
		newCap *= 2
	}

	grown := getBytes(newCap)
	grown = append(grown, b.data...)
	putBytes(b.data)
	b.data = grown
	return nil
}

// Release destroys the descriptor. Owned memory returns to the pool;
// borrowed memory is left untouched. Calling Release twice is a no-op.
func (b *ByteBuffer) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	if b.owned {
		outstandingByteBuffers.Add(-1)
		putBytes(b.data)
	}
	b.data = nil
	b.cursor = 0
}

// Released reports whether Release has been called.
func (b *ByteBuffer) Released() bool { return b.released }

// releaseData releases stage payloads that carry owned memory.
func releaseData(data any) {
	if r, ok := data.(interface{ Release() }); ok {
		r.Release()
	}
}
