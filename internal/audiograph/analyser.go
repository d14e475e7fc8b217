package audiograph

import (
	"fmt"
	"sync"
)

// Analyser keeps the most recent samples passing through it and forwards
// the signal unchanged.
type Analyser struct {
	router

	mu       sync.Mutex
	ring     []float32
	next     int
	disposed bool
}

func (c *Context) NewAnalyser(size int) (*Analyser, error) {
	if c.Closed() {
		return nil, ErrClosed
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid analyser size: %d", size)
	}
	return &Analyser{ring: make([]float32, size)}, nil
}

func (a *Analyser) process(frames []float32) {
	a.mu.Lock()
	if !a.disposed {
		for _, s := range frames {
			a.ring[a.next] = s
			a.next = (a.next + 1) % len(a.ring)
		}
	}
	a.mu.Unlock()
	a.forward(frames)
}

// Size is the number of samples in a waveform snapshot.
func (a *Analyser) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ring)
}

// Waveform returns the last Size samples, oldest first. Until audio flows it
// is all zeros; after Dispose it is nil.
func (a *Analyser) Waveform() []float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return nil
	}
	out := make([]float32, 0, len(a.ring))
	out = append(out, a.ring[a.next:]...)
	out = append(out, a.ring[:a.next]...)
	return out
}

func (a *Analyser) Disposed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disposed
}

// Dispose detaches the analyser. It is idempotent.
func (a *Analyser) Dispose() {
	a.mu.Lock()
	a.disposed = true
	a.mu.Unlock()
	a.Disconnect()
}
