package audiograph

import "sync"

// MediaStreamDestination is the capture node a synthesis engine renders into.
// Each Open starts a fresh MediaStream that a Player can be built from.
type MediaStreamDestination struct {
	mu     sync.Mutex
	stream *MediaStream
	closed bool
}

// Open starts a new stream, aborting any unfinished predecessor.
func (d *MediaStreamDestination) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.stream != nil {
		d.stream.finish(ErrStreamReplaced)
	}
	d.stream = newMediaStream()
	return nil
}

// Stream returns the current stream, or nil before the first Open.
func (d *MediaStreamDestination) Stream() *MediaStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

// Write appends captured samples to the open stream.
func (d *MediaStreamDestination) Write(samples []float32) error {
	d.mu.Lock()
	stream := d.stream
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if stream == nil {
		return ErrNoStream
	}
	return stream.append(samples)
}

// End completes the open stream.
func (d *MediaStreamDestination) End() {
	if stream := d.Stream(); stream != nil {
		stream.finish(nil)
	}
}

// Abort fails the open stream with err.
func (d *MediaStreamDestination) Abort(err error) {
	if err == nil {
		err = ErrStreamFinished
	}
	if stream := d.Stream(); stream != nil {
		stream.finish(err)
	}
}

// Close aborts the open stream and rejects further use. It is idempotent.
func (d *MediaStreamDestination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.stream != nil {
		d.stream.finish(ErrClosed)
		d.stream = nil
	}
	return nil
}
