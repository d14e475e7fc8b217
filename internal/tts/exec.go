package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

type execEngine struct {
	base
	cmd        []string
	sampleRate int
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Rate       float64 `json:"rate"`
	Pitch      float64 `json:"pitch"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

// NewExecEngine drives an external synthesizer process. The process receives
// one JSON request on stdin and answers with JSON lines carrying base64
// 16-bit mono PCM at sampleRate.
func NewExecEngine(command string, sampleRate int, voices []Voice) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	e := &execEngine{cmd: args, sampleRate: sampleRate}
	e.voices = append([]Voice(nil), voices...)
	return e, nil
}

func (e *execEngine) Speak(u *Utterance) error {
	ctx, cancel := context.WithCancel(context.Background())
	j, err := e.begin(u, cancel)
	if err != nil {
		cancel()
		return err
	}
	go e.run(ctx, j)
	return nil
}

func (e *execEngine) run(ctx context.Context, j *job) {
	u := j.utterance
	req := execRequest{
		Text:       u.Text,
		Rate:       u.Rate(),
		Pitch:      u.Pitch(),
		SampleRate: e.sampleRate,
		Channels:   1,
	}
	if v, ok := u.Voice(); ok {
		req.Voice = v.ID
	}
	code, err := e.exec(ctx, j, req)
	e.release(j)
	if err != nil {
		j.fail(code, err)
		return
	}
	j.complete()
}

func (e *execEngine) exec(ctx context.Context, j *job, req execRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return CodeSynthesisFailed, err
	}

	name := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return CodeSynthesisFailed, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return CodeSynthesisFailed, err
	}
	if err := cmd.Start(); err != nil {
		return CodeSynthesisFailed, err
	}

	if _, err := stdin.Write(data); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return CodeSynthesisFailed, err
	}
	stdin.Close()

	// abort stops reading early; the process is killed so Wait cannot block.
	abort := func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			abort()
			return CodeSynthesisFailed, fmt.Errorf("decode tts response: %w", err)
		}
		if resp.Error != "" {
			abort()
			return resp.Error, fmt.Errorf("tts command reported %s", resp.Error)
		}
		if resp.PCMBase64 != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				abort()
				return CodeSynthesisFailed, err
			}
			samples, err := DecodePCM16(pcm)
			if err != nil {
				abort()
				return CodeSynthesisFailed, err
			}
			ok, err := j.write(samples)
			if err != nil {
				abort()
				return CodeAudioBusy, err
			}
			if !ok {
				// cancelled; the job already reported its end
				abort()
				return "", nil
			}
		}
		if resp.Final {
			break
		}
	}
	// the pipe must be empty before Wait or a chatty synthesizer blocks
	_, _ = io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		return CodeSynthesisFailed, fmt.Errorf("tts command failed: %w", err)
	}
	if err := scanner.Err(); err != nil {
		return CodeSynthesisFailed, err
	}
	return "", nil
}
