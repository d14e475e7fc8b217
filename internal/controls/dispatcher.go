package controls

import (
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-visualizer/internal/config"
	"github.com/loqalabs/loqa-visualizer/internal/protocol"
)

// Key names as reported by browser keyboard events.
const (
	KeyArrowUp      = "ArrowUp"
	KeyArrowDown    = "ArrowDown"
	KeyArrowLeft    = "ArrowLeft"
	KeyArrowRight   = "ArrowRight"
	KeyBracketLeft  = "["
	KeyBracketRight = "]"
)

type KeyEvent struct {
	Key  string
	Down bool
	Ctrl bool
}

// Dispatcher maps keyboard and wheel input onto the theme, camera and preset
// stores and the scroll offset of the output container.
type Dispatcher struct {
	Theme  *ThemeStore
	Camera *Cycler
	Preset *Cycler

	mu        sync.Mutex
	held      map[string]bool
	chorded   bool
	scroll    float64
	scrollMax float64
}

func NewDispatcher(cfg config.ControlsConfig) (*Dispatcher, error) {
	theme, err := NewThemeStore(cfg.Themes)
	if err != nil {
		return nil, err
	}
	camera, err := NewCycler("cameras", cfg.Cameras)
	if err != nil {
		return nil, err
	}
	preset, err := NewCycler("presets", cfg.Presets)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		Theme:     theme,
		Camera:    camera,
		Preset:    preset,
		held:      make(map[string]bool),
		scrollMax: cfg.ScrollMax,
	}, nil
}

// Key applies ev and reports whether any visible state changed.
//
// Holding both horizontal arrows toggles the theme variant once per chord;
// the chord re-arms when either arrow is released.
func (d *Dispatcher) Key(ev KeyEvent) bool {
	d.mu.Lock()
	if !ev.Down {
		delete(d.held, ev.Key)
		if ev.Key == KeyArrowLeft || ev.Key == KeyArrowRight {
			d.chorded = false
		}
		d.mu.Unlock()
		return false
	}
	d.held[ev.Key] = true
	horizontal := ev.Key == KeyArrowLeft || ev.Key == KeyArrowRight
	chord := horizontal && d.held[KeyArrowLeft] && d.held[KeyArrowRight]
	if chord {
		fire := !d.chorded
		d.chorded = true
		d.mu.Unlock()
		if fire {
			d.Theme.ToggleVariant()
		}
		return fire
	}
	d.mu.Unlock()

	switch {
	case ev.Key == KeyBracketRight, ev.Ctrl && ev.Key == KeyArrowRight:
		d.Preset.Next()
	case ev.Key == KeyBracketLeft, ev.Ctrl && ev.Key == KeyArrowLeft:
		d.Preset.Previous()
	case ev.Key == KeyArrowUp:
		d.Theme.Next()
	case ev.Key == KeyArrowDown:
		d.Theme.Previous()
	case ev.Key == KeyArrowRight:
		d.Camera.Next()
	case ev.Key == KeyArrowLeft:
		d.Camera.Previous()
	default:
		return false
	}
	return true
}

// Wheel scrolls by deltaY, clamped to [0, scroll max]. A zero maximum leaves
// the offset unbounded above. It returns the new offset.
func (d *Dispatcher) Wheel(deltaY float64) float64 {
	if math.IsNaN(deltaY) || math.IsInf(deltaY, 0) {
		return d.ScrollOffset()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	next := math.Max(0, d.scroll+deltaY)
	if d.scrollMax > 0 {
		next = math.Min(d.scrollMax, next)
	}
	d.scroll = next
	return next
}

func (d *Dispatcher) ScrollOffset() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scroll
}

// State snapshots every store.
func (d *Dispatcher) State() protocol.ControlState {
	return protocol.ControlState{
		Theme:        d.Theme.Current(),
		ThemeVariant: d.Theme.Variant(),
		Camera:       d.Camera.Current(),
		Preset:       d.Preset.Current(),
		ScrollOffset: d.ScrollOffset(),
		Timestamp:    time.Now().UTC(),
	}
}
