package audiograph

import (
	"errors"
	"math"
	"sync"

	"github.com/go-audio/audio"
)

// ErrNotLoaded is returned by Start before the source stream finished buffering.
var ErrNotLoaded = errors.New("player not loaded")

type PlayerState int

const (
	PlayerLoading PlayerState = iota
	PlayerStopped
	PlayerPlaying
	PlayerFailed
	PlayerDisposed
)

func (s PlayerState) String() string {
	switch s {
	case PlayerLoading:
		return "loading"
	case PlayerStopped:
		return "stopped"
	case PlayerPlaying:
		return "playing"
	case PlayerFailed:
		return "failed"
	case PlayerDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Player is the playable node built from a MediaStream. It buffers the whole
// stream and signals onLoad once the stream ends normally; an aborted stream
// leaves the player failed and onLoad is never called.
type Player struct {
	router
	ctx *Context

	mu       sync.Mutex
	buffer   *audio.Float32Buffer
	position float64
	rate     float64
	state    PlayerState
	onLoad   func()
	disposed chan struct{}
}

// NewPlayer starts buffering stream in the background.
func (c *Context) NewPlayer(stream *MediaStream, onLoad func()) (*Player, error) {
	if c.Closed() {
		return nil, ErrClosed
	}
	if stream == nil {
		return nil, ErrNoStream
	}
	p := &Player{
		ctx:      c,
		rate:     1,
		state:    PlayerLoading,
		onLoad:   onLoad,
		disposed: make(chan struct{}),
	}
	go p.await(stream)
	return p, nil
}

func (p *Player) await(stream *MediaStream) {
	select {
	case <-stream.Done():
	case <-p.disposed:
		return
	}

	p.mu.Lock()
	if p.state != PlayerLoading {
		p.mu.Unlock()
		return
	}
	if err := stream.Err(); err != nil {
		p.state = PlayerFailed
		p.mu.Unlock()
		return
	}
	p.buffer = &audio.Float32Buffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: p.ctx.SampleRate()},
		Data:           stream.Samples(),
		SourceBitDepth: 32,
	}
	p.state = PlayerStopped
	onLoad := p.onLoad
	p.onLoad = nil
	p.mu.Unlock()

	if onLoad != nil {
		onLoad()
	}
}

// Start begins playback from the current position.
func (p *Player) Start() error {
	p.mu.Lock()
	switch p.state {
	case PlayerDisposed:
		p.mu.Unlock()
		return ErrClosed
	case PlayerLoading, PlayerFailed:
		p.mu.Unlock()
		return ErrNotLoaded
	}
	if int(p.position) >= len(p.buffer.Data) {
		p.position = 0
	}
	p.state = PlayerPlaying
	p.mu.Unlock()

	if err := p.ctx.addSource(p); err != nil {
		p.mu.Lock()
		p.state = PlayerStopped
		p.mu.Unlock()
		return err
	}
	return nil
}

// Stop halts playback and rewinds to the start.
func (p *Player) Stop() {
	p.mu.Lock()
	if p.state == PlayerPlaying {
		p.state = PlayerStopped
	}
	p.position = 0
	p.mu.Unlock()
	p.ctx.removeSource(p)
}

// Seek moves the playhead to seconds, clamped to the buffered duration.
func (p *Player) Seek(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buffer == nil || math.IsNaN(seconds) {
		return
	}
	pos := seconds * float64(p.ctx.SampleRate())
	if pos < 0 {
		pos = 0
	}
	if end := float64(len(p.buffer.Data)); pos > end {
		pos = end
	}
	p.position = pos
}

// SetPlaybackRate changes the resampling ratio. Non-positive rates are ignored.
func (p *Player) SetPlaybackRate(rate float64) {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return
	}
	p.mu.Lock()
	p.rate = rate
	p.mu.Unlock()
}

func (p *Player) PlaybackRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Loaded reports whether the buffer is ready for playback.
func (p *Player) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer != nil && p.state != PlayerDisposed
}

// Duration is the buffered length in seconds at rate 1.
func (p *Player) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buffer == nil {
		return 0
	}
	return float64(p.buffer.NumFrames()) / float64(p.ctx.SampleRate())
}

// Position is the playhead in seconds.
func (p *Player) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position / float64(p.ctx.SampleRate())
}

// Dispose stops playback, detaches the node and drops the buffer. It is idempotent.
func (p *Player) Dispose() {
	p.mu.Lock()
	if p.state == PlayerDisposed {
		p.mu.Unlock()
		return
	}
	p.state = PlayerDisposed
	p.buffer = nil
	p.onLoad = nil
	close(p.disposed)
	p.mu.Unlock()

	p.ctx.removeSource(p)
	p.Disconnect()
}

// render produces up to n frames by linear interpolation at the playback
// rate. The second result is false once playback is no longer running.
func (p *Player) render(n int) ([]float32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PlayerPlaying || p.buffer == nil {
		return nil, false
	}
	data := p.buffer.Data
	out := make([]float32, 0, n)
	pos := p.position
	for i := 0; i < n; i++ {
		idx := int(pos)
		if idx >= len(data) {
			break
		}
		s := data[idx]
		if idx+1 < len(data) {
			frac := float32(pos - float64(idx))
			s += frac * (data[idx+1] - s)
		}
		out = append(out, s)
		pos += p.rate
	}
	if end := float64(len(data)); pos >= end {
		p.position = end
		p.state = PlayerStopped
		return out, false
	}
	p.position = pos
	return out, true
}

func (p *Player) process([]float32) {}
