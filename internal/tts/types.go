package tts

import "errors"

var (
	// ErrNoRoute is returned by Speak when no sink was routed.
	ErrNoRoute = errors.New("tts output not routed")
	// ErrBusy is returned by Speak while another utterance is still speaking.
	ErrBusy = errors.New("tts engine busy")
	// ErrCancelled aborts the routed sink when Cancel interrupts speech.
	ErrCancelled = errors.New("tts speech cancelled")
)

// Error codes passed to Utterance error callbacks.
const (
	CodeSynthesisFailed  = "synthesis-failed"
	CodeVoiceUnavailable = "voice-unavailable"
	CodeAudioBusy        = "audio-busy"
	CodeTextTooLong      = "text-too-long"
)

// Voice describes a synthesis voice.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
	Default  bool   `json:"default,omitempty"`
}

// Sink receives synthesized mono float32 samples.
type Sink interface {
	Write(samples []float32) error
	// End marks the current utterance's audio as complete.
	End()
	// Abort fails the current utterance's audio.
	Abort(err error)
}

// Engine is the contract for a speech synthesizer that renders into a routed sink.
//
// Voices may be empty until the engine finishes loading them; OnVoicesChanged
// registers the callback fired when they become available, replacing any
// previous registration. Speak returns once speech has been scheduled; the
// utterance's end or error callback reports completion.
type Engine interface {
	Voices() []Voice
	OnVoicesChanged(fn func())
	Route(sink Sink) error
	Speak(u *Utterance) error
	Cancel()
}
