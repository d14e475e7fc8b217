package audiograph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by any operation on a closed context or node.
var ErrClosed = errors.New("audio context closed")

// Output receives the mixed signal that reaches the context destination.
type Output interface {
	WriteFrames(frames []float32) error
	Close() error
}

// Options configures a Context.
type Options struct {
	SampleRate int
	// Quantum is the number of frames rendered per tick.
	Quantum int
	// Output defaults to Discard.
	Output Output
}

// Context owns the render graph: it pulls frames from started players once
// per quantum, pushes them through connected nodes, and hands the mix that
// reaches Destination to the configured Output.
type Context struct {
	sampleRate int
	quantum    int
	output     Output
	log        *slog.Logger
	dest       *outputNode

	renderMu sync.Mutex
	mix      []float32
	mixed    bool

	mu      sync.Mutex
	sources []*Player
	closed  bool
}

func NewContext(opts Options, log *slog.Logger) (*Context, error) {
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", opts.SampleRate)
	}
	if opts.Quantum <= 0 {
		opts.Quantum = 128
	}
	if opts.Output == nil {
		opts.Output = Discard
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Context{
		sampleRate: opts.SampleRate,
		quantum:    opts.Quantum,
		output:     opts.Output,
		log:        log.With(slog.String("component", "audio-context")),
	}
	c.dest = &outputNode{ctx: c}
	return c, nil
}

func (c *Context) SampleRate() int { return c.sampleRate }

func (c *Context) Quantum() int { return c.quantum }

// Destination is the terminal node feeding the Output.
func (c *Context) Destination() Node { return c.dest }

func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CreateMediaStreamDestination returns a capture node that engines can render into.
func (c *Context) CreateMediaStreamDestination() (*MediaStreamDestination, error) {
	if c.Closed() {
		return nil, ErrClosed
	}
	return &MediaStreamDestination{}, nil
}

// Start renders one quantum per tick of wall-clock time until ctx is done or
// the context is closed.
func (c *Context) Start(ctx context.Context) {
	interval := time.Duration(float64(time.Second) * float64(c.quantum) / float64(c.sampleRate))
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Process(c.quantum); err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				c.log.Warn("render quantum failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Process renders frames synchronously. Nothing is written to the Output
// when no player is running.
func (c *Context) Process(frames int) error {
	if frames <= 0 {
		return nil
	}
	c.renderMu.Lock()
	defer c.renderMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sources := append([]*Player(nil), c.sources...)
	c.mu.Unlock()
	if len(sources) == 0 {
		return nil
	}

	if cap(c.mix) < frames {
		c.mix = make([]float32, frames)
	}
	c.mix = c.mix[:frames]
	for i := range c.mix {
		c.mix[i] = 0
	}
	c.mixed = false

	for _, p := range sources {
		block, playing := p.render(frames)
		if len(block) > 0 {
			p.forward(block)
		}
		if !playing {
			c.removeSource(p)
		}
	}

	if !c.mixed {
		return nil
	}
	return c.output.WriteFrames(c.mix)
}

// mixIn is only reached from Process, which holds renderMu.
func (c *Context) mixIn(frames []float32) {
	n := len(frames)
	if n > len(c.mix) {
		n = len(c.mix)
	}
	for i := 0; i < n; i++ {
		c.mix[i] += frames[i]
	}
	c.mixed = true
}

func (c *Context) addSource(p *Player) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for _, s := range c.sources {
		if s == p {
			return nil
		}
	}
	c.sources = append(c.sources, p)
	return nil
}

func (c *Context) removeSource(p *Player) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.sources {
		if s == p {
			c.sources = append(c.sources[:i], c.sources[i+1:]...)
			return
		}
	}
}

// Close stops rendering and closes the Output. Repeated calls return nil.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.sources = nil
	c.mu.Unlock()

	// wait out an in-flight quantum before closing the output
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	if err := c.output.Close(); err != nil {
		return fmt.Errorf("close audio output: %w", err)
	}
	return nil
}

type outputNode struct {
	ctx *Context
}

func (o *outputNode) Connect(Node) Node { return nil }

func (o *outputNode) Disconnect() {}

func (o *outputNode) process(frames []float32) { o.ctx.mixIn(frames) }
