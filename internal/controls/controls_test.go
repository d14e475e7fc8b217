package controls

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-visualizer/internal/bus"
	"github.com/loqalabs/loqa-visualizer/internal/config"
	"github.com/loqalabs/loqa-visualizer/internal/natsserver"
	"github.com/loqalabs/loqa-visualizer/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(config.Default().Controls)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func press(d *Dispatcher, key string) bool {
	return d.Key(KeyEvent{Key: key, Down: true})
}

func release(d *Dispatcher, key string) {
	d.Key(KeyEvent{Key: key})
}

func TestCyclerWraps(t *testing.T) {
	c, err := NewCycler("test", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("new cycler: %v", err)
	}
	if c.Current() != "a" {
		t.Fatalf("expected a, got %s", c.Current())
	}
	if got := c.Previous(); got != "c" {
		t.Fatalf("expected wrap to c, got %s", got)
	}
	if got := c.Next(); got != "a" {
		t.Fatalf("expected wrap to a, got %s", got)
	}
	if !c.Set("b") || c.Current() != "b" {
		t.Fatalf("expected set to b, got %s", c.Current())
	}
	if c.Set("missing") {
		t.Fatal("expected unknown item to be rejected")
	}
	if _, err := NewCycler("empty", nil); err == nil {
		t.Fatal("expected error for empty cycler")
	}
}

func TestKeyDispatch(t *testing.T) {
	cases := []struct {
		name   string
		ev     KeyEvent
		theme  string
		camera string
		preset string
	}{
		{"up cycles theme forward", KeyEvent{Key: KeyArrowUp, Down: true}, "daylight", "orbit", "bars"},
		{"down cycles theme back", KeyEvent{Key: KeyArrowDown, Down: true}, "neon", "orbit", "bars"},
		{"right cycles camera forward", KeyEvent{Key: KeyArrowRight, Down: true}, "midnight", "front", "bars"},
		{"left cycles camera back", KeyEvent{Key: KeyArrowLeft, Down: true}, "midnight", "top", "bars"},
		{"bracket right cycles preset", KeyEvent{Key: KeyBracketRight, Down: true}, "midnight", "orbit", "ring"},
		{"bracket left cycles preset back", KeyEvent{Key: KeyBracketLeft, Down: true}, "midnight", "orbit", "particles"},
		{"ctrl right cycles preset", KeyEvent{Key: KeyArrowRight, Down: true, Ctrl: true}, "midnight", "orbit", "ring"},
		{"ctrl left cycles preset back", KeyEvent{Key: KeyArrowLeft, Down: true, Ctrl: true}, "midnight", "orbit", "particles"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDispatcher(t)
			if !d.Key(tc.ev) {
				t.Fatal("expected state change")
			}
			state := d.State()
			if state.Theme != tc.theme || state.Camera != tc.camera || state.Preset != tc.preset {
				t.Fatalf("unexpected state: %+v", state)
			}
		})
	}
}

func TestUnknownAndKeyUpChangeNothing(t *testing.T) {
	d := newTestDispatcher(t)
	if press(d, "q") {
		t.Fatal("unbound key must not change state")
	}
	if d.Key(KeyEvent{Key: KeyArrowUp}) {
		t.Fatal("key up must not change state")
	}
}

func TestHorizontalChordTogglesVariantOnce(t *testing.T) {
	d := newTestDispatcher(t)
	press(d, KeyArrowLeft)
	camera := d.Camera.Current()

	if !press(d, KeyArrowRight) {
		t.Fatal("expected chord to toggle the variant")
	}
	if !d.Theme.Variant() {
		t.Fatal("expected variant on")
	}
	if d.Camera.Current() != camera {
		t.Fatal("chord must not cycle the camera")
	}
	// auto-repeat while held does not toggle again
	if press(d, KeyArrowRight) || press(d, KeyArrowLeft) {
		t.Fatal("held chord must fire once")
	}
	if !d.Theme.Variant() {
		t.Fatal("expected variant to stay on")
	}

	release(d, KeyArrowRight)
	press(d, KeyArrowRight)
	if d.Theme.Variant() {
		t.Fatal("expected re-armed chord to toggle the variant off")
	}
}

func TestWheelClamps(t *testing.T) {
	d := newTestDispatcher(t)
	if got := d.Wheel(-50); got != 0 {
		t.Fatalf("expected clamp at zero, got %v", got)
	}
	if got := d.Wheel(120); got != 120 {
		t.Fatalf("expected 120, got %v", got)
	}
	if got := d.Wheel(5000); got != 2000 {
		t.Fatalf("expected clamp at 2000, got %v", got)
	}
	if got := d.Wheel(-500); got != 1500 {
		t.Fatalf("expected 1500, got %v", got)
	}
}

func TestServicePublishesState(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: filepath.Join(t.TempDir(), "nats")}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "controls-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	states := make(chan *nats.Msg, 16)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectUIState, states)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	cfg := config.Default().Controls
	svc := NewService(context.Background(), cfg, client, newTestDispatcher(t), newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	next := func() protocol.ControlState {
		t.Helper()
		select {
		case msg := <-states:
			var state protocol.ControlState
			if err := json.Unmarshal(msg.Data, &state); err != nil {
				t.Fatalf("decode state: %v", err)
			}
			return state
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for state")
		}
		return protocol.ControlState{}
	}

	if initial := next(); initial.Theme != "midnight" {
		t.Fatalf("unexpected initial state: %+v", initial)
	}
	if err := client.PublishJSON(protocol.SubjectUIInput, protocol.InputEvent{Kind: protocol.InputKey, Key: KeyArrowUp, Down: true}); err != nil {
		t.Fatalf("publish input: %v", err)
	}
	if state := next(); state.Theme != "daylight" {
		t.Fatalf("expected daylight, got %+v", state)
	}
	if err := client.PublishJSON(protocol.SubjectUIInput, protocol.InputEvent{Kind: protocol.InputWheel, DeltaY: 40}); err != nil {
		t.Fatalf("publish wheel: %v", err)
	}
	if state := next(); state.ScrollOffset != 40 {
		t.Fatalf("expected scroll 40, got %+v", state)
	}

	if _, changed := svc.Apply(protocol.InputEvent{Kind: protocol.InputWheel, DeltaY: -100}); !changed {
		t.Fatal("expected scroll back to zero to change state")
	}
	if _, changed := svc.Apply(protocol.InputEvent{Kind: protocol.InputWheel, DeltaY: -100}); changed {
		t.Fatal("expected clamped scroll to report no change")
	}
}
