package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-visualizer/internal/audiograph"
	"github.com/loqalabs/loqa-visualizer/internal/bus"
	"github.com/loqalabs/loqa-visualizer/internal/config"
	"github.com/loqalabs/loqa-visualizer/internal/controls"
	"github.com/loqalabs/loqa-visualizer/internal/eventstore"
	"github.com/loqalabs/loqa-visualizer/internal/natsserver"
	"github.com/loqalabs/loqa-visualizer/internal/speech"
	"github.com/loqalabs/loqa-visualizer/internal/tts"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	metrics    *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup

	telemetryClose func(context.Context) error
	nats           *natsserver.EmbeddedServer
	bus            *bus.Client
	store          *eventstore.Store
	session        *speech.Session
	speech         *speech.Service
	controls       *controls.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is done, then tears
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.shutdown()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	busCfg := r.cfg.Bus
	r.nats, err = natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	env, err := r.speechEnvironment(ctx)
	if err != nil {
		return err
	}
	r.session, err = speech.NewSession(env, speech.Options{
		AnalyserSize: r.cfg.Speech.AnalyserSize,
		Voice:        r.cfg.Speech.Voice,
	}, r.logger)
	if err != nil {
		if env.Audio != nil {
			_ = env.Audio.Close()
		}
		return fmt.Errorf("failed to create speech session: %w", err)
	}

	r.speech, err = speech.NewService(ctx, r.cfg.Speech, r.bus, r.session, r.store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create speech service: %w", err)
	}
	if err := r.speech.Start(); err != nil {
		return fmt.Errorf("failed to start speech service: %w", err)
	}

	if r.cfg.Controls.Enabled {
		dispatcher, err := controls.NewDispatcher(r.cfg.Controls)
		if err != nil {
			return fmt.Errorf("failed to create input dispatcher: %w", err)
		}
		r.controls = controls.NewService(ctx, r.cfg.Controls, r.bus, dispatcher, r.logger)
		if err := r.controls.Start(); err != nil {
			return fmt.Errorf("failed to start controls service: %w", err)
		}
	}

	if metricsHandler != nil {
		r.metrics = newMetricsServer(r.cfg.Telemetry.PrometheusBind, metricsHandler)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		r.logger.Info("serving metrics", slog.String("addr", r.cfg.Telemetry.PrometheusBind))
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           newRouter(newAPI(r.speech, r.controls, r.store, r.logger), r.Ready),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

// speechEnvironment builds the engine and audio context. A disabled speech
// section yields an empty environment, which the session reports as
// unavailable.
func (r *Runtime) speechEnvironment(ctx context.Context) (speech.Environment, error) {
	cfg := r.cfg.Speech
	if !cfg.Enabled {
		return speech.Environment{}, nil
	}
	engine, err := newEngine(cfg)
	if err != nil {
		return speech.Environment{}, fmt.Errorf("failed to create speech engine: %w", err)
	}

	output := audiograph.Discard
	if cfg.RecordPath != "" {
		recorder, err := audiograph.NewWAVRecorder(cfg.RecordPath, cfg.SampleRate)
		if err != nil {
			return speech.Environment{}, fmt.Errorf("failed to open speech recording: %w", err)
		}
		r.logger.Info("recording speech output", slog.String("path", cfg.RecordPath))
		output = recorder
	}
	audio, err := audiograph.NewContext(audiograph.Options{
		SampleRate: cfg.SampleRate,
		Quantum:    cfg.RenderQuantum,
		Output:     output,
	}, r.logger)
	if err != nil {
		_ = output.Close()
		return speech.Environment{}, fmt.Errorf("failed to create audio context: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		audio.Start(ctx)
	}()
	return speech.Environment{Engine: engine, Audio: audio}, nil
}

func newEngine(cfg config.SpeechConfig) (tts.Engine, error) {
	voices := make([]tts.Voice, 0, len(cfg.Voices))
	for _, v := range cfg.Voices {
		voices = append(voices, tts.Voice{
			ID:       v.ID,
			Name:     v.Name,
			Language: v.Language,
			Default:  v.ID == cfg.Voice,
		})
	}
	switch cfg.Mode {
	case "exec":
		return tts.NewExecEngine(cfg.Command, cfg.SampleRate, voices)
	case "mock":
		return tts.NewMockEngine(tts.MockOptions{
			SampleRate:  cfg.SampleRate,
			Voices:      voices,
			VoicesDelay: time.Duration(cfg.VoicesDelayMS) * time.Millisecond,
		}), nil
	default:
		return nil, fmt.Errorf("unknown speech mode %q", cfg.Mode)
	}
}

// Ready reports whether the runtime and all of its services are healthy.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if !r.bus.Healthy() {
		return false
	}
	if r.speech != nil && !r.speech.Healthy() {
		return false
	}
	if r.controls != nil && !r.controls.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.metrics != nil {
		if err := r.metrics.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.controls != nil {
		r.controls.Close()
	}
	if r.speech != nil {
		r.speech.Close()
	}
	if r.session != nil {
		if err := r.session.Dispose(); err != nil {
			r.logger.Error("speech session dispose error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
