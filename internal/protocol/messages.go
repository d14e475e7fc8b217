package protocol

import "time"

// SpeechRequest asks the speech service to generate and play text.
type SpeechRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
	// Pitch and Volume tune the synthesizer voice. Zero keeps the engine default.
	Pitch  float64 `json:"pitch,omitempty"`
	Volume float64 `json:"volume,omitempty"`
}

// Speech states published on SubjectSpeechStatus.
const (
	SpeechGenerating = "generating"
	SpeechReady      = "ready"
	SpeechCancelled  = "cancelled"
	SpeechFailed     = "failed"
	SpeechStopped    = "stopped"
)

// SpeechStatus reports a lifecycle transition of a speech request.
type SpeechStatus struct {
	SessionID        string    `json:"session_id"`
	State            string    `json:"state"`
	Code             string    `json:"code,omitempty"`
	Message          string    `json:"message,omitempty"`
	EstimatedSeconds float64   `json:"estimated_seconds,omitempty"`
	DurationSeconds  float64   `json:"duration_seconds,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Playback control actions carried by SpeechControl.
const (
	ControlSeek  = "seek"
	ControlPitch = "pitch"
	ControlRate  = "rate"
)

type SpeechControl struct {
	Action string  `json:"action"`
	Value  float64 `json:"value"`
}

// WaveformFrame is an analyser snapshot published while speech plays.
type WaveformFrame struct {
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Samples   []float32 `json:"samples"`
	Timestamp time.Time `json:"timestamp"`
}

// Input event kinds.
const (
	InputKey   = "key"
	InputWheel = "wheel"
)

// InputEvent is a keyboard or wheel event forwarded by the front end.
type InputEvent struct {
	Kind   string  `json:"kind"`
	Key    string  `json:"key,omitempty"`
	Down   bool    `json:"down,omitempty"`
	Ctrl   bool    `json:"ctrl,omitempty"`
	DeltaY float64 `json:"delta_y,omitempty"`
}

// ControlState is the visual state derived from input.
type ControlState struct {
	Theme        string    `json:"theme"`
	ThemeVariant bool      `json:"theme_variant"`
	Camera       string    `json:"camera"`
	Preset       string    `json:"preset"`
	ScrollOffset float64   `json:"scroll_offset"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectSpeechRequest  = "speech.request"
	SubjectSpeechStop     = "speech.stop"
	SubjectSpeechControl  = "speech.control"
	SubjectSpeechStatus   = "speech.status"
	SubjectSpeechWaveform = "speech.waveform"
	SubjectUIInput        = "ui.input"
	SubjectUIState        = "ui.state"
)
