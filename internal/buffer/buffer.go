// Package buffer provides the fixed-capacity byte buffer that every HTTP
// socket uses for its receive and send sides.
//
// A Buffer has a read cursor and a write cursor over one backing array.
// Producers append at the write cursor, consumers advance the read cursor,
// and the invariant 0 <= read <= write <= capacity always holds. Both cursors
// can be marked and later reset so a resumable parser or formatter can undo a
// partially consumed or produced unit when it runs out of bytes or room.
package buffer

// Buffer is not safe for concurrent use. Exactly one socket owns it at a time.
type Buffer struct {
	buf   []byte
	r, w  int
	rmark int
	wmark int
}

// New allocates a buffer with the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, capacity)}
}

func (b *Buffer) Capacity() int { return len(b.buf) }

// Readable returns the number of bytes between the read and write cursors.
func (b *Buffer) Readable() int { return b.w - b.r }

// Writable returns the free space after the write cursor.
func (b *Buffer) Writable() int { return len(b.buf) - b.w }

func (b *Buffer) IsReadable() bool { return b.w > b.r }
func (b *Buffer) IsWritable() bool { return b.w < len(b.buf) }

func (b *Buffer) ReadPosition() int  { return b.r }
func (b *Buffer) WritePosition() int { return b.w }

// Unread returns the readable bytes without consuming them. The slice aliases
// the backing array and is only valid until the next mutating call.
func (b *Buffer) Unread() []byte { return b.buf[b.r:b.w] }

// Free returns the writable region. Callers fill a prefix of it and then
// commit with SkipWrite.
func (b *Buffer) Free() []byte { return b.buf[b.w:] }

// Peek returns the next unread byte.
func (b *Buffer) Peek() (byte, bool) {
	if b.r >= b.w {
		return 0, false
	}
	return b.buf[b.r], true
}

// SkipRead consumes n readable bytes.
func (b *Buffer) SkipRead(n int) {
	if n < 0 || n > b.Readable() {
		panic("buffer: skip past write position")
	}
	b.r += n
}

// SkipWrite commits n bytes previously written into Free.
func (b *Buffer) SkipWrite(n int) {
	if n < 0 || n > b.Writable() {
		panic("buffer: skip past capacity")
	}
	b.w += n
}

// Read copies unread bytes into p.
func (b *Buffer) Read(p []byte) int {
	n := copy(p, b.buf[b.r:b.w])
	b.r += n
	return n
}

// Write copies as much of p as fits and returns the count.
func (b *Buffer) Write(p []byte) int {
	n := copy(b.buf[b.w:], p)
	b.w += n
	return n
}

// PutString appends s only if all of it fits.
func (b *Buffer) PutString(s string) bool {
	if len(s) > b.Writable() {
		return false
	}
	b.w += copy(b.buf[b.w:], s)
	return true
}

func (b *Buffer) PutByte(c byte) bool {
	if b.w >= len(b.buf) {
		return false
	}
	b.buf[b.w] = c
	b.w++
	return true
}

func (b *Buffer) ReadMark()  { b.rmark = b.r }
func (b *Buffer) ReadReset() { b.r = b.rmark }

func (b *Buffer) WriteMark()  { b.wmark = b.w }
func (b *Buffer) WriteReset() { b.w = b.wmark }

// Compact moves the unread bytes to the front of the backing array so the
// write side regains the consumed prefix. Marks move with the bytes they
// point at; a mark inside the discarded prefix clamps to the front. It
// returns false when nothing can be reclaimed.
func (b *Buffer) Compact() bool {
	if b.r == 0 {
		return false
	}
	shift := b.r
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r = 0
	b.w = n
	b.rmark = max(b.rmark-shift, 0)
	b.wmark = max(b.wmark-shift, 0)
	return true
}

// Clear resets both cursors and marks.
func (b *Buffer) Clear() {
	b.r, b.w, b.rmark, b.wmark = 0, 0, 0, 0
}
