package tts

import (
	"sync"
)

// base carries the routing, voice registry and single-utterance bookkeeping
// shared by the engines in this package.
type base struct {
	mu       sync.Mutex
	sink     Sink
	active   *job
	voices   []Voice
	onVoices func()
}

func (b *base) Voices() []Voice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Voice(nil), b.voices...)
}

func (b *base) OnVoicesChanged(fn func()) {
	b.mu.Lock()
	b.onVoices = fn
	b.mu.Unlock()
}

func (b *base) setVoices(voices []Voice) {
	b.mu.Lock()
	b.voices = append([]Voice(nil), voices...)
	fn := b.onVoices
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (b *base) Route(sink Sink) error {
	if sink == nil {
		return ErrNoRoute
	}
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
	return nil
}

func (b *base) begin(u *Utterance, cancel func()) (*job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sink == nil {
		return nil, ErrNoRoute
	}
	if b.active != nil {
		return nil, ErrBusy
	}
	j := &job{utterance: u, sink: b.sink, cancel: cancel, done: make(chan struct{})}
	b.active = j
	return j, nil
}

func (b *base) release(j *job) {
	b.mu.Lock()
	if b.active == j {
		b.active = nil
	}
	b.mu.Unlock()
}

// Cancel interrupts the speaking utterance: its audio is aborted and its end
// callback fires. It is a no-op when nothing is speaking.
func (b *base) Cancel() {
	b.mu.Lock()
	j := b.active
	b.active = nil
	b.mu.Unlock()
	if j != nil {
		j.interrupt()
	}
}

// job is one utterance being rendered into a sink. Once stopped it never
// touches the sink again, so a cancelled job cannot leak audio into the
// stream of the next utterance.
type job struct {
	mu        sync.Mutex
	stopped   bool
	done      chan struct{}
	utterance *Utterance
	sink      Sink
	cancel    func()
}

// write forwards samples unless the job was stopped; ok is false once stopped.
func (j *job) write(samples []float32) (ok bool, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped {
		return false, nil
	}
	if err := j.sink.Write(samples); err != nil {
		return false, err
	}
	return true, nil
}

func (j *job) stopLocked() bool {
	if j.stopped {
		return false
	}
	j.stopped = true
	close(j.done)
	if j.cancel != nil {
		j.cancel()
	}
	return true
}

func (j *job) complete() {
	j.mu.Lock()
	if !j.stopLocked() {
		j.mu.Unlock()
		return
	}
	j.sink.End()
	j.mu.Unlock()
	j.utterance.End()
}

func (j *job) fail(code string, cause error) {
	j.mu.Lock()
	if !j.stopLocked() {
		j.mu.Unlock()
		return
	}
	j.sink.Abort(cause)
	j.mu.Unlock()
	j.utterance.Fail(code)
}

func (j *job) interrupt() {
	j.mu.Lock()
	if !j.stopLocked() {
		j.mu.Unlock()
		return
	}
	j.sink.Abort(ErrCancelled)
	j.mu.Unlock()
	j.utterance.End()
}
