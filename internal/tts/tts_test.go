package tts

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu      sync.Mutex
	samples []float32
	ended   int
	aborted error
	failOn  int
	writes  int
}

func (s *recordingSink) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failOn > 0 && s.writes >= s.failOn {
		return errors.New("sink closed")
	}
	s.samples = append(s.samples, samples...)
	return nil
}

func (s *recordingSink) End() {
	s.mu.Lock()
	s.ended++
	s.mu.Unlock()
}

func (s *recordingSink) Abort(err error) {
	s.mu.Lock()
	s.aborted = err
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples), s.ended, s.aborted
}

func encodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		clamped := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clamped*math.MaxInt16)))
	}
	return out
}

type outcome struct {
	ended bool
	code  string
}

func watch(u *Utterance) <-chan outcome {
	ch := make(chan outcome, 2)
	u.OnEnd(func() { ch <- outcome{ended: true} })
	u.OnError(func(code string) { ch <- outcome{code: code} })
	return ch
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("utterance never finished")
	}
	return outcome{}
}

func TestUtteranceSettlesOnce(t *testing.T) {
	u := NewUtterance("hi")
	if u.Rate() != 1 || u.Pitch() != 1 || u.Volume() != 1 {
		t.Fatalf("unexpected defaults: rate=%v pitch=%v volume=%v", u.Rate(), u.Pitch(), u.Volume())
	}
	u.SetRate(-1)
	if u.Rate() != 1 {
		t.Fatalf("expected negative rate to be ignored, got %v", u.Rate())
	}
	u.SetVolume(3)
	if u.Volume() != 1 {
		t.Fatalf("expected volume clamp, got %v", u.Volume())
	}
	if _, ok := u.Voice(); ok {
		t.Fatal("expected no voice selected")
	}

	var ends, errs int
	u.OnEnd(func() { ends++ })
	u.OnError(func(string) { errs++ })
	u.End()
	u.Fail(CodeSynthesisFailed)
	u.End()
	if ends != 1 || errs != 0 {
		t.Fatalf("expected a single end callback, got ends=%d errs=%d", ends, errs)
	}
	if !u.Finished() {
		t.Fatal("expected finished utterance")
	}
}

func TestPCMDecode(t *testing.T) {
	samples, err := DecodePCM16([]byte{0x00, 0x00, 0x00, 0x40, 0x00, 0x80})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []float32{0, 0.5, -1}
	for i := range want {
		if samples[i] != want[i] {
			t.Fatalf("sample %d: expected %v, got %v", i, want[i], samples[i])
		}
	}
	if _, err := DecodePCM16([]byte{0x01}); err == nil {
		t.Fatal("expected error for odd-length payload")
	}
	round, _ := DecodePCM16(encodePCM16([]float32{0, 2}))
	if round[0] != 0 || round[1] != float32(32767)/32768 {
		t.Fatalf("unexpected round trip: %v", round)
	}
}

func TestMockEngineRequiresRoute(t *testing.T) {
	engine := NewMockEngine(MockOptions{SampleRate: 1000})
	if err := engine.Speak(NewUtterance("hello")); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
	if err := engine.Route(nil); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute for nil sink, got %v", err)
	}
}

func TestMockEngineSpeaks(t *testing.T) {
	engine := NewMockEngine(MockOptions{SampleRate: 1000, FramesPerChar: 10, ChunkFrames: 7})
	sink := &recordingSink{}
	if err := engine.Route(sink); err != nil {
		t.Fatalf("route: %v", err)
	}
	u := NewUtterance("hello")
	done := watch(u)
	if err := engine.Speak(u); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if o := await(t, done); !o.ended {
		t.Fatalf("expected end, got error %q", o.code)
	}
	n, ended, aborted := sink.snapshot()
	if n != 50 {
		t.Fatalf("expected 50 samples, got %d", n)
	}
	if ended != 1 || aborted != nil {
		t.Fatalf("expected one end and no abort, got ended=%d aborted=%v", ended, aborted)
	}

	// released before the end callback, so the next utterance is accepted
	next := NewUtterance("again")
	nextDone := watch(next)
	if err := engine.Speak(next); err != nil {
		t.Fatalf("second speak: %v", err)
	}
	await(t, nextDone)
}

func TestMockEngineRateShortensAudio(t *testing.T) {
	engine := NewMockEngine(MockOptions{SampleRate: 1000, FramesPerChar: 10})
	sink := &recordingSink{}
	_ = engine.Route(sink)
	u := NewUtterance("hello")
	u.SetRate(2)
	done := watch(u)
	if err := engine.Speak(u); err != nil {
		t.Fatalf("speak: %v", err)
	}
	await(t, done)
	if n, _, _ := sink.snapshot(); n != 25 {
		t.Fatalf("expected 25 samples at rate 2, got %d", n)
	}
}

func TestMockEngineBusyAndCancel(t *testing.T) {
	engine := NewMockEngine(MockOptions{SampleRate: 1000, FramesPerChar: 100, ChunkFrames: 10, Pace: 5 * time.Millisecond})
	sink := &recordingSink{}
	_ = engine.Route(sink)
	u := NewUtterance("a long sentence")
	done := watch(u)
	if err := engine.Speak(u); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if err := engine.Speak(NewUtterance("second")); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	engine.Cancel()
	if o := await(t, done); !o.ended {
		t.Fatalf("expected end callback on cancel, got error %q", o.code)
	}
	_, ended, aborted := sink.snapshot()
	if ended != 0 || !errors.Is(aborted, ErrCancelled) {
		t.Fatalf("expected aborted sink, got ended=%d aborted=%v", ended, aborted)
	}
	engine.Cancel()
}

func TestMockEngineSinkFailure(t *testing.T) {
	engine := NewMockEngine(MockOptions{SampleRate: 1000, FramesPerChar: 10, ChunkFrames: 5})
	_ = engine.Route(&recordingSink{failOn: 2})
	u := NewUtterance("hello")
	done := watch(u)
	if err := engine.Speak(u); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if o := await(t, done); o.code != CodeAudioBusy {
		t.Fatalf("expected %s, got %+v", CodeAudioBusy, o)
	}
}

func TestMockEngineVoicesLoadLater(t *testing.T) {
	voices := []Voice{{ID: "en-1", Name: "One", Language: "en-US"}}
	engine := NewMockEngine(MockOptions{SampleRate: 1000, Voices: voices, VoicesDelay: 10 * time.Millisecond})
	if got := engine.Voices(); len(got) != 0 {
		t.Fatalf("expected no voices before load, got %v", got)
	}
	changed := make(chan struct{}, 1)
	engine.OnVoicesChanged(func() { changed <- struct{}{} })
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("voices never loaded")
	}
	if got := engine.Voices(); len(got) != 1 || got[0].ID != "en-1" {
		t.Fatalf("unexpected voices: %v", got)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "synth.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecEngineStreamsPCM(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo '{"pcm_base64":"AAAAQA=="}'
echo '{"pcm_base64":"AIA=","final":true}'`)
	engine, err := NewExecEngine(script, 24000, []Voice{{ID: "piper"}})
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	if got := engine.Voices(); len(got) != 1 {
		t.Fatalf("expected static voices, got %v", got)
	}
	sink := &recordingSink{}
	_ = engine.Route(sink)
	u := NewUtterance("hello")
	done := watch(u)
	if err := engine.Speak(u); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if o := await(t, done); !o.ended {
		t.Fatalf("expected end, got error %q", o.code)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	want := []float32{0, 0.5, -1}
	if len(sink.samples) != len(want) {
		t.Fatalf("expected %d samples, got %v", len(want), sink.samples)
	}
	for i := range want {
		if sink.samples[i] != want[i] {
			t.Fatalf("sample %d: expected %v, got %v", i, want[i], sink.samples[i])
		}
	}
	if sink.ended != 1 {
		t.Fatalf("expected sink end, got %d", sink.ended)
	}
}

func TestExecEngineDrainsOutputAfterFinal(t *testing.T) {
	// trailing output well past a pipe buffer must not wedge the process
	script := writeScript(t, `cat >/dev/null
echo '{"pcm_base64":"AAAAQA==","final":true}'
head -c 262144 /dev/zero`)
	engine, err := NewExecEngine(script, 24000, nil)
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	sink := &recordingSink{}
	_ = engine.Route(sink)
	u := NewUtterance("hello")
	done := watch(u)
	if err := engine.Speak(u); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if o := await(t, done); !o.ended {
		t.Fatalf("expected end, got error %q", o.code)
	}
	if n, ended, _ := sink.snapshot(); n != 2 || ended != 1 {
		t.Fatalf("expected 2 samples and one end, got %d samples, %d ends", n, ended)
	}
}

func TestExecEngineReportsErrors(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo '{"error":"voice-unavailable"}'`)
	engine, err := NewExecEngine(script, 24000, nil)
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	sink := &recordingSink{}
	_ = engine.Route(sink)
	u := NewUtterance("hello")
	done := watch(u)
	if err := engine.Speak(u); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if o := await(t, done); o.code != CodeVoiceUnavailable {
		t.Fatalf("expected %s, got %+v", CodeVoiceUnavailable, o)
	}
	if _, _, aborted := sink.snapshot(); aborted == nil {
		t.Fatal("expected aborted sink")
	}
}

func TestExecEngineProcessFailure(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
exit 3`)
	engine, _ := NewExecEngine(script, 24000, nil)
	_ = engine.Route(&recordingSink{})
	u := NewUtterance("hello")
	done := watch(u)
	if err := engine.Speak(u); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if o := await(t, done); o.code != CodeSynthesisFailed {
		t.Fatalf("expected %s, got %+v", CodeSynthesisFailed, o)
	}
}

func TestExecEngineCancelKillsProcess(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo '{"pcm_base64":"AAAAQA=="}'
exec sleep 5`)
	engine, _ := NewExecEngine(script, 24000, nil)
	sink := &recordingSink{}
	_ = engine.Route(sink)
	u := NewUtterance("hello")
	done := watch(u)
	if err := engine.Speak(u); err != nil {
		t.Fatalf("speak: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n, _, _ := sink.snapshot(); n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	engine.Cancel()
	if o := await(t, done); !o.ended {
		t.Fatalf("expected end on cancel, got error %q", o.code)
	}
	if _, _, aborted := sink.snapshot(); !errors.Is(aborted, ErrCancelled) {
		t.Fatalf("expected cancelled abort, got %v", aborted)
	}
}

func TestNewExecEngineValidates(t *testing.T) {
	if _, err := NewExecEngine("", 24000, nil); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewExecEngine("synth", 0, nil); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}
