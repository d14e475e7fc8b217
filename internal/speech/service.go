package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-visualizer/internal/audiograph"
	"github.com/loqalabs/loqa-visualizer/internal/bus"
	"github.com/loqalabs/loqa-visualizer/internal/config"
	"github.com/loqalabs/loqa-visualizer/internal/eventstore"
	"github.com/loqalabs/loqa-visualizer/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-visualizer/internal/speech"

// ErrUnknownControl is returned for a playback control action the service
// does not understand.
var ErrUnknownControl = errors.New("unknown speech control action")

// Service exposes one Session on the bus. It starts playback once speech is
// ready and streams analyser snapshots while the player runs.
type Service struct {
	cfg     config.SpeechConfig
	bus     *bus.Client
	session *Session
	store   *eventstore.Store
	logger  *slog.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram

	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	activeID     string
	activePlayer *audiograph.Player
	stopWave     context.CancelFunc
	ready        bool
}

func NewService(parent context.Context, cfg config.SpeechConfig, busClient *bus.Client, session *Session, store *eventstore.Store, log *slog.Logger) (*Service, error) {
	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("speech.requests",
		metric.WithDescription("Speech generation requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create speech.requests counter: %w", err)
	}
	duration, err := meter.Float64Histogram("speech.generate.duration",
		metric.WithDescription("Time from request to playable audio"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create speech.generate.duration histogram: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		session:  session,
		store:    store,
		logger:   log.With(slog.String("component", "speech-service")),
		tracer:   otel.Tracer(instrumentationName),
		requests: requests,
		duration: duration,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (s *Service) Start() error {
	if !s.cfg.Enabled || s.bus == nil {
		return nil
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectSpeechRequest: s.handleRequest,
		protocol.SubjectSpeechStop:    s.handleStop,
		protocol.SubjectSpeechControl: s.handleControl,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.logger.Info("speech service started")
	return nil
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.bus == nil || s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SpeechRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speech request", slogError(err))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Speak(s.ctx, req); err != nil {
			s.logger.Debug("speech request not completed", slog.String("session_id", req.SessionID), slogError(err))
		}
	}()
}

func (s *Service) handleStop(*nats.Msg) {
	s.Stop()
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctrl protocol.SpeechControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.logger.Warn("failed to decode speech control", slogError(err))
		return
	}
	if _, err := s.Control(ctrl); err != nil {
		s.logger.Warn("speech control rejected", slog.String("action", ctrl.Action), slogError(err))
	}
}

// Speak generates req, starts playback and begins streaming waveform frames.
// Every transition is published on the status subject and recorded.
func (s *Service) Speak(ctx context.Context, req protocol.SpeechRequest) (*Result, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if s.cfg.RequestTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.RequestTimeoutMS)*time.Millisecond)
		defer cancel()
	}
	chars := utf8.RuneCountInString(req.Text)
	ctx, span := s.tracer.Start(ctx, "speech.generate", trace.WithAttributes(
		attribute.String("speech.session_id", req.SessionID),
		attribute.Int("speech.chars", chars),
	))
	defer span.End()
	traceID := ""
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	log := s.logger.With(slog.String("session_id", req.SessionID))
	if err := s.store.RecordSession(ctx, eventstore.Session{ID: req.SessionID, Voice: req.Voice, Chars: chars, Privacy: s.cfg.PrivacyScope}); err != nil {
		log.Warn("failed to record speech session", slogError(err))
	}
	s.record(ctx, req.SessionID, traceID, eventstore.EventRequested, map[string]any{"chars": chars, "voice": req.Voice})
	s.publishStatus(protocol.SpeechStatus{
		SessionID:        req.SessionID,
		State:            protocol.SpeechGenerating,
		EstimatedSeconds: EstimateSeconds(req.Text),
	})

	started := time.Now()
	res, err := s.session.Generate(ctx, req.Text, WithSessionID(req.SessionID),
		WithVoice(req.Voice),
		WithVoicePitch(req.Pitch),
		WithVolume(req.Volume))
	outcome := outcomeOf(err)
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	s.requests.Add(ctx, 1, attrs)
	s.duration.Record(ctx, time.Since(started).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Code(err))
		state := protocol.SpeechFailed
		eventType := eventstore.EventFailed
		if outcome == "cancelled" {
			state = protocol.SpeechCancelled
			eventType = eventstore.EventCancelled
		}
		s.publishStatus(protocol.SpeechStatus{
			SessionID: req.SessionID,
			State:     state,
			Code:      Code(err),
			Message:   err.Error(),
		})
		s.record(context.WithoutCancel(ctx), req.SessionID, traceID, eventType, map[string]string{"code": Code(err)})
		log.Info("speech generation ended without audio", slog.String("code", Code(err)))
		return nil, err
	}

	if err := res.Player.Start(); err != nil {
		log.Warn("failed to start playback", slogError(err))
	}
	duration := res.Player.Duration()
	s.publishStatus(protocol.SpeechStatus{
		SessionID:        req.SessionID,
		State:            protocol.SpeechReady,
		EstimatedSeconds: res.EstimatedSeconds,
		DurationSeconds:  duration,
	})
	s.record(ctx, req.SessionID, traceID, eventstore.EventReady, map[string]float64{
		"estimated_seconds": res.EstimatedSeconds,
		"duration_seconds":  duration,
	})
	span.SetAttributes(attribute.Float64("speech.duration_seconds", duration))
	log.Info("speech playing", slog.Float64("duration_seconds", duration))

	s.streamWaveform(req.SessionID, res.Player)
	return res, nil
}

// Stop halts generation and playback. A stop is reported only for a session
// whose player was still playing; a request cancelled mid-generation reports
// its own cancellation from Speak.
func (s *Service) Stop() {
	s.mu.Lock()
	id, player := s.activeID, s.activePlayer
	s.clearActiveLocked()
	s.mu.Unlock()

	playing := player != nil && player.State() == audiograph.PlayerPlaying
	s.session.Stop()
	if !playing {
		return
	}
	s.publishStatus(protocol.SpeechStatus{SessionID: id, State: protocol.SpeechStopped})
	s.record(s.ctx, id, "", eventstore.EventStopped, nil)
}

func (s *Service) clearActiveLocked() {
	if s.stopWave != nil {
		s.stopWave()
	}
	s.activeID = ""
	s.activePlayer = nil
	s.stopWave = nil
}

// Control applies a playback control and returns the value in effect.
func (s *Service) Control(ctrl protocol.SpeechControl) (float64, error) {
	switch ctrl.Action {
	case protocol.ControlSeek:
		s.session.Seek(ctrl.Value)
		return ctrl.Value, nil
	case protocol.ControlPitch:
		return s.session.SetPitch(ctrl.Value), nil
	case protocol.ControlRate:
		return s.session.SetPlaybackRate(ctrl.Value), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownControl, ctrl.Action)
	}
}

// Waveform returns the session's analyser snapshot.
func (s *Service) Waveform() ([]float32, error) {
	return s.session.Waveform()
}

// ActiveSession is the ID of the speech currently playing, or empty.
func (s *Service) ActiveSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *Service) streamWaveform(sessionID string, player *audiograph.Player) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.clearActiveLocked()
	s.activeID = sessionID
	s.activePlayer = player
	s.stopWave = cancel
	s.mu.Unlock()

	interval := time.Duration(s.cfg.WaveformIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.mu.Lock()
			if s.activePlayer == player {
				s.clearActiveLocked()
			}
			s.mu.Unlock()
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sequence := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if player.State() != audiograph.PlayerPlaying {
				return
			}
			samples, err := s.session.Waveform()
			if err != nil {
				return
			}
			if s.bus == nil {
				continue
			}
			frame := protocol.WaveformFrame{
				SessionID: sessionID,
				Sequence:  sequence,
				Samples:   samples,
				Timestamp: time.Now().UTC(),
			}
			sequence++
			if err := s.bus.PublishJSON(protocol.SubjectSpeechWaveform, frame); err != nil {
				s.logger.Warn("failed to publish waveform frame", slogError(err))
			}
		}
	}()
}

func (s *Service) publishStatus(status protocol.SpeechStatus) {
	if s.bus == nil {
		return
	}
	status.Timestamp = time.Now().UTC()
	if err := s.bus.PublishJSON(protocol.SubjectSpeechStatus, status); err != nil {
		s.logger.Warn("failed to publish speech status", slogError(err))
	}
}

func (s *Service) record(ctx context.Context, sessionID, traceID, eventType string, payload any) {
	evt := eventstore.Event{
		SessionID: sessionID,
		TraceID:   traceID,
		Type:      eventType,
		Privacy:   s.cfg.PrivacyScope,
	}
	if err := s.store.RecordEvent(ctx, evt, payload); err != nil {
		s.logger.Warn("failed to record speech event", slog.String("type", eventType), slogError(err))
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ready"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrAlreadyInProgress):
		return "rejected"
	default:
		return "failed"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
