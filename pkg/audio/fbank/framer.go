package fbank

// Framer assembles overlapping analysis windows from a stream of frames.
// Once Window samples have arrived, every Shift further samples yield a new
// window whose first Window-Shift samples overlap the previous one.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	window int
	shift  int
	buf    []int16
}

// NewFramer returns a Framer producing windows of window samples that
// advance by shift samples. shift must be in (0, window].
func NewFramer(window, shift int) *Framer {
	if shift <= 0 || shift > window {
		panic("fbank: framer shift must be in (0, window]")
	}
	return &Framer{
		window: window,
		shift:  shift,
		buf:    make([]int16, 0, window+shift),
	}
}

// Push appends samples to the pending input.
func (f *Framer) Push(samples []int16) {
	f.buf = append(f.buf, samples...)
}

// Next returns a copy of the next complete window, if any, and advances the
// input by one shift.
func (f *Framer) Next() ([]int16, bool) {
	if len(f.buf) < f.window {
		return nil, false
	}
	out := make([]int16, f.window)
	copy(out, f.buf)
	n := copy(f.buf, f.buf[f.shift:])
	f.buf = f.buf[:n]
	return out, true
}

// Pending returns the number of buffered samples not yet consumed.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Reset drops all pending samples.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}
