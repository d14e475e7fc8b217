package tts

import (
	"math"
	"time"
	"unicode/utf8"
)

// MockOptions tunes the tone generator used in place of a real synthesizer.
type MockOptions struct {
	SampleRate int
	Voices     []Voice
	// VoicesDelay defers voice availability, mimicking engines that load
	// voices asynchronously. Zero makes voices available immediately.
	VoicesDelay time.Duration
	// FramesPerChar is the audio length of one character at rate 1.
	FramesPerChar int
	ChunkFrames   int
	// Pace is the pause between chunks.
	Pace      time.Duration
	Frequency float64
}

type mockEngine struct {
	base
	opts MockOptions
}

func NewMockEngine(opts MockOptions) Engine {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	if opts.FramesPerChar <= 0 {
		opts.FramesPerChar = opts.SampleRate / 15
	}
	if opts.ChunkFrames <= 0 {
		opts.ChunkFrames = 480
	}
	if opts.Frequency <= 0 {
		opts.Frequency = 220
	}
	m := &mockEngine{opts: opts}
	if opts.VoicesDelay > 0 {
		time.AfterFunc(opts.VoicesDelay, func() { m.setVoices(opts.Voices) })
	} else {
		m.voices = append([]Voice(nil), opts.Voices...)
	}
	return m
}

func (m *mockEngine) Speak(u *Utterance) error {
	j, err := m.begin(u, nil)
	if err != nil {
		return err
	}
	go m.run(j)
	return nil
}

func (m *mockEngine) run(j *job) {
	u := j.utterance
	total := float64(utf8.RuneCountInString(u.Text) * m.opts.FramesPerChar)
	step := 2 * math.Pi * m.opts.Frequency * u.Pitch() / float64(m.opts.SampleRate)
	amp := float32(0.5 * u.Volume())

	var consumed, phase float64
	for consumed < total {
		rate := u.Rate()
		n := m.opts.ChunkFrames
		if remaining := int(math.Ceil((total - consumed) / rate)); remaining < n {
			n = remaining
		}
		chunk := make([]float32, n)
		for i := range chunk {
			chunk[i] = amp * float32(math.Sin(phase))
			phase += step * rate
		}
		consumed += float64(n) * rate

		ok, err := j.write(chunk)
		if err != nil {
			m.release(j)
			j.fail(CodeAudioBusy, err)
			return
		}
		if !ok {
			return
		}
		if m.opts.Pace > 0 {
			select {
			case <-j.done:
				return
			case <-time.After(m.opts.Pace):
			}
		}
	}
	m.release(j)
	j.complete()
}
