package airsink

import "sync"

// frameRing is the bounded byte ring between the capture callback and the
// render pull. When full it discards the oldest audio first - bounded
// memory and bounded latency take priority over never dropping a sample,
// and the producer callback must never block
type frameRing struct {
	mu      sync.Mutex
	buf     []byte
	head    int
	size    int
	dropped uint64
}

func newFrameRing(capacity int) *frameRing {
	return &frameRing{buf: make([]byte, capacity)}
}

// Write copies p into the ring, evicting the oldest buffered bytes when
// there is not enough room. Returns how many bytes were discarded
func (r *frameRing) Write(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	discarded := 0

	// a write larger than the whole ring keeps only its newest window
	if len(p) > len(r.buf) {
		discarded += r.size + (len(p) - len(r.buf))
		p = p[len(p)-len(r.buf):]
		r.head = 0
		r.size = 0
	}

	if overflow := r.size + len(p) - len(r.buf); overflow > 0 {
		r.head = (r.head + overflow) % len(r.buf)
		r.size -= overflow
		discarded += overflow
	}

	tail := (r.head + r.size) % len(r.buf)
	n := copy(r.buf[tail:], p)
	copy(r.buf, p[n:])
	r.size += len(p)

	r.dropped += uint64(discarded)

	return discarded
}

// Read fills p with up to len(p) of the oldest buffered bytes and returns
// how many were copied
func (r *frameRing) Read(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := len(p)
	if want > r.size {
		want = r.size
	}

	n := copy(p[:want], r.buf[r.head:])
	copy(p[n:want], r.buf)

	r.head = (r.head + want) % len(r.buf)
	r.size -= want

	return want
}

func (r *frameRing) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.size
}

func (r *frameRing) Capacity() int {
	return len(r.buf)
}

// Dropped returns the total bytes discarded to the overflow policy so far
func (r *frameRing) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.dropped
}

func (r *frameRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.head = 0
	r.size = 0
}
