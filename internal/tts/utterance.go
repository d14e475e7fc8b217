package tts

import (
	"math"
	"sync"
)

// Utterance is a single synthesis request. Rate may change while speech is
// in progress; engines read it per chunk.
type Utterance struct {
	Text string

	mu       sync.Mutex
	voice    *Voice
	rate     float64
	pitch    float64
	volume   float64
	onEnd    func()
	onError  func(code string)
	finished bool
}

func NewUtterance(text string) *Utterance {
	return &Utterance{Text: text, rate: 1, pitch: 1, volume: 1}
}

func (u *Utterance) SetVoice(v Voice) {
	u.mu.Lock()
	u.voice = &v
	u.mu.Unlock()
}

// Voice returns the selected voice, if any.
func (u *Utterance) Voice() (Voice, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.voice == nil {
		return Voice{}, false
	}
	return *u.voice, true
}

func (u *Utterance) SetRate(rate float64) {
	if rate <= 0 || math.IsNaN(rate) {
		return
	}
	u.mu.Lock()
	u.rate = rate
	u.mu.Unlock()
}

func (u *Utterance) Rate() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rate
}

func (u *Utterance) SetPitch(pitch float64) {
	u.mu.Lock()
	u.pitch = pitch
	u.mu.Unlock()
}

func (u *Utterance) Pitch() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pitch
}

func (u *Utterance) SetVolume(volume float64) {
	u.mu.Lock()
	u.volume = math.Max(0, math.Min(1, volume))
	u.mu.Unlock()
}

func (u *Utterance) Volume() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.volume
}

// OnEnd registers the callback fired when speech finishes or is cancelled.
func (u *Utterance) OnEnd(fn func()) {
	u.mu.Lock()
	u.onEnd = fn
	u.mu.Unlock()
}

// OnError registers the callback fired when synthesis fails.
func (u *Utterance) OnError(fn func(code string)) {
	u.mu.Lock()
	u.onError = fn
	u.mu.Unlock()
}

// Finished reports whether End or Fail already ran.
func (u *Utterance) Finished() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.finished
}

// End is called by engines when speech completes. Only the first of End and
// Fail fires a callback.
func (u *Utterance) End() {
	u.mu.Lock()
	if u.finished {
		u.mu.Unlock()
		return
	}
	u.finished = true
	fn := u.onEnd
	u.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Fail is called by engines when synthesis fails with code.
func (u *Utterance) Fail(code string) {
	u.mu.Lock()
	if u.finished {
		u.mu.Unlock()
		return
	}
	u.finished = true
	fn := u.onError
	u.mu.Unlock()
	if fn != nil {
		fn(code)
	}
}
