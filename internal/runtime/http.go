package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/loqalabs/loqa-visualizer/internal/controls"
	"github.com/loqalabs/loqa-visualizer/internal/eventstore"
	"github.com/loqalabs/loqa-visualizer/internal/protocol"
	"github.com/loqalabs/loqa-visualizer/internal/speech"
)

// api serves the speech and controls surfaces to the browser front end.
type api struct {
	speech   *speech.Service
	controls *controls.Service
	store    *eventstore.Store
	logger   *slog.Logger
}

func newAPI(speechSvc *speech.Service, controlsSvc *controls.Service, store *eventstore.Store, logger *slog.Logger) *api {
	return &api{
		speech:   speechSvc,
		controls: controlsSvc,
		store:    store,
		logger:   logger.With(slog.String("component", "http-api")),
	}
}

func newRouter(a *api, ready func() bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	a.Attach(r)
	return r
}

// newMetricsServer serves only /metrics on the telemetry bind address.
func newMetricsServer(bind string, metrics http.Handler) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics)
	return &http.Server{
		Addr:              bind,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *api) Attach(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/speech", a.handleSpeak)
		r.Post("/speech/stop", a.handleStop)
		r.Post("/speech/seek", a.handleControl(protocol.ControlSeek))
		r.Post("/speech/pitch", a.handleControl(protocol.ControlPitch))
		r.Post("/speech/rate", a.handleControl(protocol.ControlRate))
		r.Get("/waveform", a.handleWaveform)

		r.Get("/sessions", a.handleSessions)
		r.Get("/sessions/{id}/events", a.handleSessionEvents)

		r.Get("/controls", a.handleControls)
		r.Post("/controls/key", a.handleKey)
		r.Post("/controls/wheel", a.handleWheel)
	})
}

var errServiceDisabled = errors.New("service disabled")

type speakRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Voice     string  `json:"voice"`
	Pitch     float64 `json:"pitch"`
	Volume    float64 `json:"volume"`
}

type speakResponse struct {
	SessionID        string  `json:"session_id"`
	EstimatedSeconds float64 `json:"estimated_seconds"`
	DurationSeconds  float64 `json:"duration_seconds"`
}

type valueRequest struct {
	Value   *float64 `json:"value"`
	Seconds *float64 `json:"seconds"`
}

type valueResponse struct {
	Value float64 `json:"value"`
}

type waveformResponse struct {
	SessionID string    `json:"session_id,omitempty"`
	Samples   []float32 `json:"samples"`
}

type wheelRequest struct {
	DeltaY float64 `json:"delta_y"`
}

type sessionView struct {
	ID        string    `json:"id"`
	Voice     string    `json:"voice,omitempty"`
	Chars     int       `json:"chars"`
	Privacy   string    `json:"privacy_scope,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type eventView struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	TraceID   string          `json:"trace_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (a *api) handleSpeak(w http.ResponseWriter, r *http.Request) {
	if a.speech == nil {
		writeError(w, http.StatusServiceUnavailable, errServiceDisabled, "")
		return
	}
	var req speakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err, "bad_request")
		return
	}
	res, err := a.speech.Speak(r.Context(), protocol.SpeechRequest{
		SessionID: req.SessionID,
		Text:      req.Text,
		Voice:     req.Voice,
		Pitch:     req.Pitch,
		Volume:    req.Volume,
	})
	if err != nil {
		writeError(w, statusFor(err), err, speech.Code(err))
		return
	}
	writeJSON(w, http.StatusOK, speakResponse{
		SessionID:        res.SessionID,
		EstimatedSeconds: res.EstimatedSeconds,
		DurationSeconds:  res.Player.Duration(),
	})
}

func (a *api) handleStop(w http.ResponseWriter, _ *http.Request) {
	if a.speech == nil {
		writeError(w, http.StatusServiceUnavailable, errServiceDisabled, "")
		return
	}
	a.speech.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleControl(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.speech == nil {
			writeError(w, http.StatusServiceUnavailable, errServiceDisabled, "")
			return
		}
		var req valueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err, "bad_request")
			return
		}
		value := req.Value
		if value == nil {
			value = req.Seconds
		}
		if value == nil || math.IsNaN(*value) || math.IsInf(*value, 0) {
			writeError(w, http.StatusBadRequest, errors.New("value must be a finite number"), "bad_request")
			return
		}
		applied, err := a.speech.Control(protocol.SpeechControl{Action: action, Value: *value})
		if err != nil {
			writeError(w, http.StatusBadRequest, err, "bad_request")
			return
		}
		writeJSON(w, http.StatusOK, valueResponse{Value: applied})
	}
}

func (a *api) handleWaveform(w http.ResponseWriter, _ *http.Request) {
	if a.speech == nil {
		writeError(w, http.StatusServiceUnavailable, errServiceDisabled, "")
		return
	}
	samples, err := a.speech.Waveform()
	if err != nil {
		writeError(w, statusFor(err), err, speech.Code(err))
		return
	}
	writeJSON(w, http.StatusOK, waveformResponse{SessionID: a.speech.ActiveSession(), Samples: samples})
}

func (a *api) handleSessions(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, errServiceDisabled, "")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "bad_request")
		return
	}
	sessions, err := a.store.ListSessions(r.Context(), limit)
	if err != nil {
		a.logger.Error("failed to list sessions", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err, "internal")
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionView{ID: sess.ID, Voice: sess.Voice, Chars: sess.Chars, Privacy: sess.Privacy, CreatedAt: sess.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, errServiceDisabled, "")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "bad_request")
		return
	}
	events, err := a.store.ListSessionEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		a.logger.Error("failed to list session events", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err, "internal")
		return
	}
	out := make([]eventView, 0, len(events))
	for _, evt := range events {
		view := eventView{ID: evt.ID, Type: evt.Type, TraceID: evt.TraceID, CreatedAt: evt.CreatedAt}
		if json.Valid(evt.Payload) {
			view.Payload = evt.Payload
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

// queryLimit reads ?limit. Absent means the store default.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return limit, nil
}

func (a *api) handleControls(w http.ResponseWriter, _ *http.Request) {
	if a.controls == nil {
		writeError(w, http.StatusServiceUnavailable, errServiceDisabled, "")
		return
	}
	writeJSON(w, http.StatusOK, a.controls.Dispatcher().State())
}

func (a *api) handleKey(w http.ResponseWriter, r *http.Request) {
	if a.controls == nil {
		writeError(w, http.StatusServiceUnavailable, errServiceDisabled, "")
		return
	}
	var ev protocol.InputEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, err, "bad_request")
		return
	}
	if ev.Key == "" {
		writeError(w, http.StatusBadRequest, errors.New("key must not be empty"), "bad_request")
		return
	}
	ev.Kind = protocol.InputKey
	state, _ := a.controls.Apply(ev)
	writeJSON(w, http.StatusOK, state)
}

func (a *api) handleWheel(w http.ResponseWriter, r *http.Request) {
	if a.controls == nil {
		writeError(w, http.StatusServiceUnavailable, errServiceDisabled, "")
		return
	}
	var req wheelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err, "bad_request")
		return
	}
	state, _ := a.controls.Apply(protocol.InputEvent{Kind: protocol.InputWheel, DeltaY: req.DeltaY})
	writeJSON(w, http.StatusOK, state)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, speech.ErrAlreadyInProgress), errors.Is(err, speech.ErrCancelled), errors.Is(err, context.Canceled):
		return http.StatusConflict
	case errors.Is(err, speech.ErrEnvironmentUnavailable), errors.Is(err, speech.ErrComponentsUninitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, speech.ErrSynthesisFailed), errors.Is(err, speech.ErrRoutingFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error, code string) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}
