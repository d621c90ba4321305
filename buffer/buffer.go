// Package buffer implements the reusable byte region that every stream and
// connection in beacon reads into.
//
// A Buffer has a read cursor and a write edge:
//
//   [0, cursor)       consumed
//   [cursor, length)  pending
//   [length, cap)     writable
//
// A Buffer is owned by a single goroutine. Lock exists only to bracket a
// blocking read so that two logical operations cannot interleave on the
// same Buffer across that read.
package buffer

import (
	"errors"
	"io"
	"sync/atomic"
)

var (
	ErrLocked        = errors.New("buffer is locked by another operation")
	ErrTooLarge      = errors.New("buffer cannot grow that large")
	ErrNegativeCount = errors.New("buffer count is negative")
	ErrOutOfRange    = errors.New("buffer offset is out of range")
)

const maxInt = int(^uint(0) >> 1)

type Buffer struct {
	data   []byte
	cursor int
	length int

	locked int32
}

// New returns a Buffer with capacity size.
func New(size int) *Buffer {
	if size < 0 {
		size = 0
	}

	return &Buffer{data: make([]byte, size)}
}

// Len returns the number of pending bytes.
func (b *Buffer) Len() int { return b.length - b.cursor }

// Cap returns the total capacity of the buffer.
func (b *Buffer) Cap() int { return len(b.data) }

// Writable returns the number of bytes that can be appended without growing.
func (b *Buffer) Writable() int { return len(b.data) - b.length }

// Bytes returns the pending bytes. The slice is only valid until the next
// mutating call.
func (b *Buffer) Bytes() []byte { return b.data[b.cursor:b.length] }

// String returns the pending bytes as a string.
func (b *Buffer) String() string { return string(b.Bytes()) }

// WritableSlice returns the writable tail. Bytes written into it become
// pending once Extend is called.
func (b *Buffer) WritableSlice() []byte { return b.data[b.length:] }

// Extend commits n bytes previously written into WritableSlice.
func (b *Buffer) Extend(n int) error {
	if n < 0 {
		return ErrNegativeCount
	}
	if n > b.Writable() {
		return ErrOutOfRange
	}

	b.length += n
	return nil
}

// Consume marks n pending bytes as read.
func (b *Buffer) Consume(n int) {
	if n >= b.Len() {
		b.cursor, b.length = 0, 0
		return
	}

	b.cursor += n
}

// Truncate drops pending bytes from offset onwards, offset being relative to
// the cursor.
func (b *Buffer) Truncate(offset int) error {
	if offset < 0 || offset > b.Len() {
		return ErrOutOfRange
	}

	b.length = b.cursor + offset
	if b.length == b.cursor {
		b.cursor, b.length = 0, 0
	}

	return nil
}

// Reset discards everything but keeps the allocation.
func (b *Buffer) Reset() {
	b.cursor, b.length = 0, 0
}

// Compact moves the pending bytes to the start of the allocation, turning
// consumed space back into writable space.
func (b *Buffer) Compact() {
	if b.cursor == 0 {
		return
	}

	n := copy(b.data, b.data[b.cursor:b.length])
	b.cursor, b.length = 0, n
}

// Grow makes sure at least n bytes are writable. It compacts first and only
// reallocates when compaction is not enough.
func (b *Buffer) Grow(n int) error {
	if n < 0 {
		return ErrNegativeCount
	}
	if b.Writable() >= n {
		return nil
	}

	b.Compact()
	if b.Writable() >= n {
		return nil
	}

	if n > maxInt-b.length {
		return ErrTooLarge
	}

	need := b.length + n
	size := len(b.data) * 2
	if size < need {
		size = need
	}

	data := make([]byte, size)
	copy(data, b.data[:b.length])
	b.data = data

	return nil
}

// Write appends p, growing as needed.
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.Grow(len(p)); err != nil {
		return 0, err
	}

	n := copy(b.data[b.length:], p)
	b.length += n

	return n, nil
}

// ReadFrom performs a single Read from r into the writable region. It does
// not grow the buffer; callers decide how much memory a read may use.
func (b *Buffer) ReadFrom(r io.Reader) (int, error) {
	if b.Writable() == 0 {
		return 0, io.ErrShortBuffer
	}

	n, err := r.Read(b.data[b.length:])
	if n > 0 {
		b.length += n
	}

	return n, err
}

// ReadAtMost is ReadFrom limited to max bytes.
func (b *Buffer) ReadAtMost(r io.Reader, max int) (int, error) {
	w := b.Writable()
	if max < w {
		w = max
	}
	if w <= 0 {
		return 0, io.ErrShortBuffer
	}

	n, err := r.Read(b.data[b.length : b.length+w])
	if n > 0 {
		b.length += n
	}

	return n, err
}

// Lock acquires the buffer for the duration of one operation. The returned
// release func is safe to call more than once.
//
//	unlock, err := buf.Lock()
//	if err != nil {
//		return err
//	}
//	defer unlock()
func (b *Buffer) Lock() (func(), error) {
	if !atomic.CompareAndSwapInt32(&b.locked, 0, 1) {
		return nil, ErrLocked
	}

	var released int32
	return func() {
		if atomic.CompareAndSwapInt32(&released, 0, 1) {
			atomic.StoreInt32(&b.locked, 0)
		}
	}, nil
}

// Locked reports whether an operation currently holds the buffer.
func (b *Buffer) Locked() bool {
	return atomic.LoadInt32(&b.locked) == 1
}
