package audio

import "sync"

// RingBuffer keeps the most recent capture samples so analysis can run on its
// own schedule instead of once per delivered frame.
type RingBuffer struct {
	mu     sync.Mutex
	buf    []int16
	head   int // next write position
	size   int // valid samples
	unread int // samples written since the last Window call
}

// NewRingBuffer allocates a buffer holding capacity samples.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]int16, capacity)}
}

// Write appends samples, overwriting the oldest once full.
func (r *RingBuffer) Write(samples []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range samples {
		r.buf[r.head] = s
		r.head = (r.head + 1) % len(r.buf)
	}
	r.size = min(len(r.buf), r.size+len(samples))
	r.unread = min(len(r.buf), r.unread+len(samples))
}

// Window returns a copy of the samples written since the previous call,
// oldest first. It returns nil when nothing new arrived.
func (r *RingBuffer) Window() []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unread == 0 {
		return nil
	}
	out := make([]int16, r.unread)
	start := (r.head - r.unread + len(r.buf)) % len(r.buf)
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	r.unread = 0
	return out
}

// Len reports how many valid samples the buffer holds.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
