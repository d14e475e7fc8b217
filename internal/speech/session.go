package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-visualizer/internal/audiograph"
	"github.com/loqalabs/loqa-visualizer/internal/tts"
)

const (
	MinPlaybackRate = 0.1
	MaxPlaybackRate = 10.0
	minPitchRate    = 0.5
	maxPitchRate    = 2.0

	defaultAnalyserSize = 1024
)

// Environment holds the capabilities a session drives. A session built with
// a missing engine or audio context exists but refuses to generate.
type Environment struct {
	Engine tts.Engine
	Audio  *audiograph.Context
}

type Options struct {
	AnalyserSize int
	// Voice is matched against voice ID, name or language before falling back
	// to the first voice the engine reports.
	Voice string
}

// Result is handed to the caller once the player has buffered the speech.
type Result struct {
	SessionID string
	Player    *audiograph.Player
	Analyser  *audiograph.Analyser
	// EstimatedSeconds is len(text)/5, a heuristic rather than the measured
	// length of the audio.
	EstimatedSeconds float64
}

func (r *Result) Estimated() time.Duration {
	return time.Duration(r.EstimatedSeconds * float64(time.Second))
}

type RequestOption func(*requestConfig)

type requestConfig struct {
	id     string
	voice  string
	pitch  float64
	volume float64
}

// WithSessionID tags the request. Without it a random UUID is used.
func WithSessionID(id string) RequestOption {
	return func(c *requestConfig) {
		if id != "" {
			c.id = id
		}
	}
}

// WithVoice overrides the session's preferred voice for one request.
func WithVoice(voice string) RequestOption {
	return func(c *requestConfig) {
		if voice != "" {
			c.voice = voice
		}
	}
}

// WithVoicePitch sets the synthesizer pitch multiplier. Unlike SetPitch it
// shapes the voice itself and leaves playback speed alone.
func WithVoicePitch(pitch float64) RequestOption {
	return func(c *requestConfig) {
		if pitch > 0 {
			c.pitch = pitch
		}
	}
}

// WithVolume sets the synthesizer output gain in (0, 1].
func WithVolume(volume float64) RequestOption {
	return func(c *requestConfig) {
		if volume > 0 {
			c.volume = volume
		}
	}
}

type outcome struct {
	result *Result
	err    error
}

type request struct {
	id        string
	voice     string
	estimate  float64
	utterance *tts.Utterance
	stream    *audiograph.MediaStream
	player    *audiograph.Player
	speaking  bool

	settled    atomic.Bool
	done       chan outcome
	voicesOnce sync.Once
}

// Session bridges a speech engine into the audio graph. It owns one
// analyser and one capture destination for its whole life and at most one
// utterance and one player at a time.
type Session struct {
	engine tts.Engine
	audio  *audiograph.Context
	voice  string
	log    *slog.Logger

	mu         sync.Mutex
	generating bool
	cancelled  bool
	current    *request
	player     *audiograph.Player
	analyser   *audiograph.Analyser
	dest       *audiograph.MediaStreamDestination
	disposed   bool
}

func NewSession(env Environment, opts Options, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		engine: env.Engine,
		audio:  env.Audio,
		voice:  opts.Voice,
		log:    log.With(slog.String("component", "speech-session")),
	}
	if env.Engine == nil || env.Audio == nil {
		s.log.Warn("speech environment unavailable; generation disabled")
		return s, nil
	}

	size := opts.AnalyserSize
	if size <= 0 {
		size = defaultAnalyserSize
	}
	analyser, err := env.Audio.NewAnalyser(size)
	if err != nil {
		return nil, fmt.Errorf("create analyser: %w", err)
	}
	dest, err := env.Audio.CreateMediaStreamDestination()
	if err != nil {
		return nil, fmt.Errorf("create capture destination: %w", err)
	}
	analyser.Connect(env.Audio.Destination())
	s.analyser = analyser
	s.dest = dest
	return s, nil
}

// EstimateSeconds is the duration heuristic used for every request.
func EstimateSeconds(text string) float64 {
	return float64(utf8.RuneCountInString(text)) / 5
}

// Generate speaks text into the audio graph and returns once the resulting
// player has buffered it. Only one call may be in flight.
//
// If ctx ends first, the engine is cancelled and ctx.Err() is returned.
func (s *Session) Generate(ctx context.Context, text string, opts ...RequestOption) (*Result, error) {
	cfg := requestConfig{voice: s.voice}
	for _, opt := range opts {
		opt(&cfg)
	}

	s.mu.Lock()
	if s.engine == nil || s.audio == nil {
		s.mu.Unlock()
		return nil, ErrEnvironmentUnavailable
	}
	if s.generating {
		s.mu.Unlock()
		return nil, ErrAlreadyInProgress
	}
	if s.analyser == nil || s.dest == nil {
		s.mu.Unlock()
		return nil, ErrComponentsUninitialized
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	req := &request{
		id:        cfg.id,
		voice:     cfg.voice,
		estimate:  EstimateSeconds(text),
		utterance: tts.NewUtterance(text),
		done:      make(chan outcome, 1),
	}
	if cfg.pitch > 0 {
		req.utterance.SetPitch(cfg.pitch)
	}
	if cfg.volume > 0 {
		req.utterance.SetVolume(cfg.volume)
	}
	s.generating = true
	s.cancelled = false
	s.current = req
	previous := s.player
	s.player = nil
	dest, analyser := s.dest, s.analyser
	s.mu.Unlock()

	if previous != nil {
		previous.Dispose()
	}
	log := s.log.With(slog.String("session_id", req.id))
	log.Debug("speech generation started", slog.Int("chars", utf8.RuneCountInString(text)))

	req.utterance.OnEnd(func() { s.utteranceEnded(req) })
	req.utterance.OnError(func(code string) {
		s.settle(req, nil, &SynthesisError{Code: code})
	})

	if err := s.route(req, dest, analyser); err != nil {
		s.settle(req, nil, err)
	} else {
		s.selectVoice(req)
	}

	select {
	case out := <-req.done:
		return s.finish(log, out)
	case <-ctx.Done():
		if s.settle(req, nil, ctx.Err()) {
			s.engine.Cancel()
		}
		return s.finish(log, <-req.done)
	}
}

func (s *Session) finish(log *slog.Logger, out outcome) (*Result, error) {
	if out.err != nil {
		log.Debug("speech generation failed", slog.String("error", out.err.Error()))
		return nil, out.err
	}
	log.Debug("speech ready", slog.Float64("estimated_seconds", out.result.EstimatedSeconds))
	return out.result, nil
}

// route opens a fresh stream on the capture destination and builds the
// player that buffers it.
func (s *Session) route(req *request, dest *audiograph.MediaStreamDestination, analyser *audiograph.Analyser) error {
	if err := s.engine.Route(dest); err != nil {
		return fmt.Errorf("%w: %v", ErrRoutingFailed, err)
	}
	if err := dest.Open(); err != nil {
		return fmt.Errorf("%w: %v", ErrRoutingFailed, err)
	}
	stream := dest.Stream()
	player, err := s.audio.NewPlayer(stream, func() { s.ready(req) })
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRoutingFailed, err)
	}
	player.Connect(analyser)

	s.mu.Lock()
	if req.settled.Load() {
		s.mu.Unlock()
		player.Dispose()
		return nil
	}
	req.stream = stream
	req.player = player
	if s.current == req {
		s.player = player
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) selectVoice(req *request) {
	if voices := s.engine.Voices(); len(voices) > 0 {
		s.speak(req, pickVoice(voices, req.voice))
		return
	}
	s.engine.OnVoicesChanged(func() {
		req.voicesOnce.Do(func() {
			s.speak(req, pickVoice(s.engine.Voices(), req.voice))
		})
	})
	// voices may have landed between the first check and registration
	if voices := s.engine.Voices(); len(voices) > 0 {
		req.voicesOnce.Do(func() {
			s.speak(req, pickVoice(voices, req.voice))
		})
	}
}

func pickVoice(voices []tts.Voice, preferred string) *tts.Voice {
	if len(voices) == 0 {
		return nil
	}
	if preferred != "" {
		for i, v := range voices {
			if v.ID == preferred || strings.EqualFold(v.Name, preferred) || strings.EqualFold(v.Language, preferred) {
				return &voices[i]
			}
		}
	}
	return &voices[0]
}

func (s *Session) speak(req *request, voice *tts.Voice) {
	s.mu.Lock()
	if req.settled.Load() || s.current != req {
		s.mu.Unlock()
		return
	}
	req.speaking = true
	s.mu.Unlock()

	if voice != nil {
		req.utterance.SetVoice(*voice)
	}
	if err := s.engine.Speak(req.utterance); err != nil {
		switch {
		case errors.Is(err, tts.ErrNoRoute):
			s.settle(req, nil, fmt.Errorf("%w: %v", ErrRoutingFailed, err))
		case errors.Is(err, tts.ErrBusy):
			s.settle(req, nil, &SynthesisError{Code: tts.CodeAudioBusy, Err: err})
		default:
			s.settle(req, nil, &SynthesisError{Code: tts.CodeSynthesisFailed, Err: err})
		}
		return
	}
	if req.settled.Load() {
		// stopped while Speak was being issued
		s.engine.Cancel()
	}
}

// ready is the player's load callback and the only success path.
func (s *Session) ready(req *request) {
	s.mu.Lock()
	player, analyser := req.player, s.analyser
	s.mu.Unlock()
	if analyser == nil {
		s.settle(req, nil, ErrComponentsUninitialized)
		return
	}
	s.settle(req, &Result{
		SessionID:        req.id,
		Player:           player,
		Analyser:         analyser,
		EstimatedSeconds: req.estimate,
	}, nil)
}

// utteranceEnded rejects a cancelled request. Otherwise the player's load
// callback settles it.
func (s *Session) utteranceEnded(req *request) {
	s.mu.Lock()
	cancelled := s.current == req && s.cancelled
	stream := req.stream
	s.mu.Unlock()
	if !cancelled && stream != nil && stream.Err() != nil {
		cancelled = true
	}
	if cancelled {
		s.settle(req, nil, ErrCancelled)
	}
}

// settle delivers the first outcome for req and reports whether it won.
func (s *Session) settle(req *request, result *Result, err error) bool {
	if !req.settled.CompareAndSwap(false, true) {
		return false
	}
	var orphan *audiograph.Player
	s.mu.Lock()
	if s.current == req {
		s.generating = false
		s.cancelled = false
		s.current = nil
	}
	if err != nil && req.player != nil {
		orphan = req.player
		if s.player == req.player {
			s.player = nil
		}
	}
	s.mu.Unlock()
	if orphan != nil {
		orphan.Dispose()
	}
	req.done <- outcome{result: result, err: err}
	return true
}

// Stop halts engine speech and playback. A generation in flight is marked
// cancelled and rejects once the engine reports the end of speech. It is
// safe to call at any time.
func (s *Session) Stop() {
	s.mu.Lock()
	req, player := s.current, s.player
	var pending *request
	if s.generating {
		s.cancelled = true
		if req != nil && !req.speaking {
			// still waiting on voices: the engine has nothing to end
			pending = req
		}
	}
	s.mu.Unlock()

	if s.engine != nil {
		s.engine.Cancel()
	}
	if player != nil {
		player.Stop()
	}
	if pending != nil {
		s.settle(pending, nil, ErrCancelled)
	}
}

// Seek moves the current player to seconds. Without a player it does nothing.
func (s *Session) Seek(seconds float64) {
	if p := s.Player(); p != nil {
		p.Seek(seconds)
	}
}

// PitchRate maps a semitone-like offset to a playback rate.
func PitchRate(pitch float64) float64 {
	return clamp(1+pitch/12, minPitchRate, maxPitchRate)
}

// SetPitch simulates pitch by changing the player's rate, which changes
// speed as well. It returns the applied rate.
func (s *Session) SetPitch(pitch float64) float64 {
	rate := PitchRate(pitch)
	if p := s.Player(); p != nil {
		p.SetPlaybackRate(rate)
	}
	return rate
}

// ClampRate bounds a playback rate to [MinPlaybackRate, MaxPlaybackRate].
func ClampRate(rate float64) float64 {
	return clamp(rate, MinPlaybackRate, MaxPlaybackRate)
}

// SetPlaybackRate applies the clamped rate to the player and to the pending
// utterance, each if present, and returns it.
func (s *Session) SetPlaybackRate(rate float64) float64 {
	rate = ClampRate(rate)
	s.mu.Lock()
	player := s.player
	var utterance *tts.Utterance
	if s.current != nil {
		utterance = s.current.utterance
	}
	s.mu.Unlock()
	if player != nil {
		player.SetPlaybackRate(rate)
	}
	if utterance != nil {
		utterance.SetRate(rate)
	}
	return rate
}

// Waveform returns the analyser snapshot, silent until something plays.
func (s *Session) Waveform() ([]float32, error) {
	s.mu.Lock()
	analyser := s.analyser
	s.mu.Unlock()
	if analyser == nil {
		return nil, ErrComponentsUninitialized
	}
	wave := analyser.Waveform()
	if wave == nil {
		return nil, ErrComponentsUninitialized
	}
	return wave, nil
}

func (s *Session) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

// Player returns the current player, or nil.
func (s *Session) Player() *audiograph.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player
}

// Dispose stops everything and releases the player, analyser, destination
// and audio context. Later calls return nil.
func (s *Session) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	s.mu.Unlock()

	s.Stop()

	s.mu.Lock()
	req := s.current
	player, analyser, dest := s.player, s.analyser, s.dest
	s.player, s.analyser, s.dest = nil, nil, nil
	s.mu.Unlock()

	if req != nil {
		s.settle(req, nil, ErrCancelled)
	}

	var errs []error
	if player != nil {
		player.Dispose()
	}
	if analyser != nil {
		analyser.Dispose()
	}
	if dest != nil {
		if err := dest.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close capture destination: %w", err))
		}
	}
	if s.audio != nil {
		if err := s.audio.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.Debug("speech session disposed")
	return errors.Join(errs...)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
