// Package buffer provides the fixed-size circular byte buffer shared by the
// receive and transmit directions of every multiplexed line. Capacity and
// guard are constants; a fill that would eat into the guard region is cut
// short and the buffer is flagged as stalled instead of overwriting unread
// data. A parallel marker array records which received positions coincide
// with a break condition.
package buffer

const (
	// Capacity is the size of every line buffer in bytes.
	Capacity = 512
	// Guard is the trailing space reserved so a single fill never reaches
	// unread data.
	Guard = 12
	// Usable is the number of bytes a buffer holds before it stalls.
	Usable = Capacity - Guard
)

// LineBuffer is a bounded FIFO of bytes. It is not safe for concurrent use;
// the multiplexer services lines from one goroutine.
type LineBuffer struct {
	data    [Capacity]byte
	brk     [Capacity]bool
	insert  int // next position written
	remove  int // next position read
	count   int
	stalled bool
}

// Put appends as many bytes of p as fit before the guard boundary and returns
// the number stored. stalled reports that fewer bytes than offered were
// accepted; it is a flow-control signal, not an error.
func (b *LineBuffer) Put(p []byte) (n int, stalled bool) {
	for _, c := range p {
		if b.count >= Usable {
			b.stalled = true
			return n, true
		}
		b.data[b.insert] = c
		b.insert = (b.insert + 1) % Capacity
		b.count++
		n++
	}
	return n, false
}

// PutByte stores a single byte. It returns false and flags the stall when the
// buffer is full.
func (b *LineBuffer) PutByte(c byte) bool {
	n, _ := b.Put([]byte{c})
	return n == 1
}

// Take removes up to max bytes in FIFO order. An empty buffer yields an empty
// slice. Removing bytes clears their break markers.
func (b *LineBuffer) Take(max int) []byte {
	if max > b.count {
		max = b.count
	}
	if max <= 0 {
		return []byte{}
	}
	out := make([]byte, max)
	for i := range out {
		out[i] = b.data[b.remove]
		b.brk[b.remove] = false
		b.remove = (b.remove + 1) % Capacity
	}
	b.count -= max
	if b.count < Usable {
		b.stalled = false
	}
	return out
}

// TakeByte removes one byte and reports whether a break was recorded at its
// position. ok is false when the buffer is empty.
func (b *LineBuffer) TakeByte() (c byte, brk bool, ok bool) {
	if b.count == 0 {
		return 0, false, false
	}
	c = b.data[b.remove]
	brk = b.brk[b.remove]
	b.brk[b.remove] = false
	b.remove = (b.remove + 1) % Capacity
	b.count--
	if b.count < Usable {
		b.stalled = false
	}
	return c, brk, true
}

// Peek copies up to max bytes from the head without removing them.
func (b *LineBuffer) Peek(max int) []byte {
	if max > b.count {
		max = b.count
	}
	if max <= 0 {
		return []byte{}
	}
	out := make([]byte, max)
	idx := b.remove
	for i := range out {
		out[i] = b.data[idx]
		idx = (idx + 1) % Capacity
	}
	return out
}

// Discard drops up to n bytes from the head and returns how many were dropped.
func (b *LineBuffer) Discard(n int) int {
	return len(b.Take(n))
}

// MarkBreak records a break at the current insertion index. The next byte
// stored there carries the marker out through TakeByte.
func (b *LineBuffer) MarkBreak() {
	b.brk[b.insert] = true
}

// BreakPending reports whether a break marker sits at the insertion index
// waiting for a byte.
func (b *LineBuffer) BreakPending() bool {
	return b.brk[b.insert]
}

// Len returns the number of buffered bytes.
func (b *LineBuffer) Len() int {
	return b.count
}

// Free returns how many bytes can be stored before the buffer stalls.
func (b *LineBuffer) Free() int {
	return Usable - b.count
}

// Stalled reports whether the last fill was cut short and the buffer has not
// drained since.
func (b *LineBuffer) Stalled() bool {
	return b.stalled
}

// ClearStall drops the stall flag without touching the contents.
func (b *LineBuffer) ClearStall() {
	b.stalled = false
}

// Reset empties the buffer and clears the stall flag and every break marker.
func (b *LineBuffer) Reset() {
	b.insert = 0
	b.remove = 0
	b.count = 0
	b.stalled = false
	b.brk = [Capacity]bool{}
}

// Cursors exposes the insertion and removal indices for introspection.
func (b *LineBuffer) Cursors() (insert, remove int) {
	return b.insert, b.remove
}
