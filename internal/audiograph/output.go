package audiograph

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Discard drops everything it is given.
var Discard Output = discardOutput{}

type discardOutput struct{}

func (discardOutput) WriteFrames([]float32) error { return nil }

func (discardOutput) Close() error { return nil }

// WAVRecorder writes the rendered mix to a mono 16-bit PCM WAV file.
type WAVRecorder struct {
	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	format *audio.Format
	frames int
	closed bool
}

func NewWAVRecorder(path string, sampleRate int) (*WAVRecorder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create record dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav file: %w", err)
	}
	return &WAVRecorder{
		file:   file,
		enc:    wav.NewEncoder(file, sampleRate, 16, 1, 1),
		format: &audio.Format{NumChannels: 1, SampleRate: sampleRate},
	}, nil
}

func (r *WAVRecorder) WriteFrames(frames []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	buf := &audio.IntBuffer{
		Format:         r.format,
		Data:           make([]int, len(frames)),
		SourceBitDepth: 16,
	}
	for i, s := range frames {
		clamped := math.Max(-1, math.Min(1, float64(s)))
		buf.Data[i] = int(clamped * math.MaxInt16)
	}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	r.frames += len(frames)
	return nil
}

// Frames reports how many frames were recorded.
func (r *WAVRecorder) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Close finalizes the WAV header and closes the file.
func (r *WAVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.enc.Close(); err != nil {
		r.file.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return r.file.Close()
}
