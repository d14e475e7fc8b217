package audiograph

import (
	"errors"
	"sync"
)

var (
	// ErrStreamFinished is returned when writing to a stream that already ended or aborted.
	ErrStreamFinished = errors.New("media stream finished")
	// ErrStreamReplaced aborts a stream superseded by a newer Open on the same destination.
	ErrStreamReplaced = errors.New("media stream replaced")
	// ErrNoStream is returned when a destination receives audio before Open.
	ErrNoStream = errors.New("media stream not open")
)

// MediaStream buffers captured samples until the producer ends or aborts it.
type MediaStream struct {
	mu      sync.Mutex
	samples []float32
	err     error
	ended   bool
	done    chan struct{}
}

func newMediaStream() *MediaStream {
	return &MediaStream{done: make(chan struct{})}
}

func (s *MediaStream) append(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrStreamFinished
	}
	s.samples = append(s.samples, samples...)
	return nil
}

// finish marks the stream complete; err is nil for a normal end. Only the first call counts.
func (s *MediaStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.done)
}

// Done is closed once the stream ended or aborted.
func (s *MediaStream) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream aborted, or nil.
func (s *MediaStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Ended reports whether the stream is finished, normally or not.
func (s *MediaStream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Len returns the number of buffered samples.
func (s *MediaStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// Samples returns a copy of the buffered samples.
func (s *MediaStream) Samples() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float32(nil), s.samples...)
}
