package controls

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-visualizer/internal/bus"
	"github.com/loqalabs/loqa-visualizer/internal/config"
	"github.com/loqalabs/loqa-visualizer/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service feeds input events from the bus into a Dispatcher and publishes
// the resulting state whenever it changes.
type Service struct {
	cfg        config.ControlsConfig
	bus        *bus.Client
	dispatcher *Dispatcher
	sub        *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *slog.Logger

	mu    sync.Mutex
	ready bool
}

func NewService(parent context.Context, cfg config.ControlsConfig, busClient *bus.Client, dispatcher *Dispatcher, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		dispatcher: dispatcher,
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.With(slog.String("component", "controls-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled || s.bus == nil {
		return nil
	}
	sub, err := s.bus.Subscribe(protocol.SubjectUIInput, s.handleInput)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	s.publish(s.dispatcher.State())
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.bus == nil || s.ready
}

func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }

// Apply dispatches ev and returns the state after it. changed is false for
// events that moved nothing.
func (s *Service) Apply(ev protocol.InputEvent) (state protocol.ControlState, changed bool) {
	switch ev.Kind {
	case protocol.InputKey:
		changed = s.dispatcher.Key(KeyEvent{Key: ev.Key, Down: ev.Down, Ctrl: ev.Ctrl})
	case protocol.InputWheel:
		before := s.dispatcher.ScrollOffset()
		changed = s.dispatcher.Wheel(ev.DeltaY) != before
	default:
		s.logger.Debug("ignoring input event", slog.String("kind", ev.Kind))
	}
	state = s.dispatcher.State()
	if changed {
		s.publish(state)
	}
	return state, changed
}

func (s *Service) handleInput(msg *nats.Msg) {
	if s.ctx.Err() != nil {
		return
	}
	var ev protocol.InputEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("failed to decode input event", slog.String("error", err.Error()))
		return
	}
	s.Apply(ev)
}

func (s *Service) publish(state protocol.ControlState) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(protocol.SubjectUIState, state); err != nil {
		s.logger.Warn("failed to publish control state", slog.String("error", err.Error()))
	}
}
