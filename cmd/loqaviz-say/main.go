package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-visualizer/internal/bus"
	"github.com/loqalabs/loqa-visualizer/internal/config"
	"github.com/loqalabs/loqa-visualizer/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'say', 'stop', 'control' or 'version'")
		os.Exit(2)
	}

	var (
		servers string
		voice   string
		pitch   float64
		volume  float64
		timeout time.Duration
		action  string
		value   float64
	)
	sayCmd := flag.NewFlagSet("say", flag.ExitOnError)
	sayCmd.StringVar(&servers, "servers", "nats://localhost:4222", "Comma separated NATS servers")
	sayCmd.StringVar(&voice, "voice", "", "Preferred voice")
	sayCmd.Float64Var(&pitch, "pitch", 0, "Voice pitch multiplier, 0 for the engine default")
	sayCmd.Float64Var(&volume, "volume", 0, "Voice volume in (0, 1], 0 for the engine default")
	sayCmd.DurationVar(&timeout, "timeout", 60*time.Second, "How long to wait for the speech to become ready")

	stopCmd := flag.NewFlagSet("stop", flag.ExitOnError)
	stopCmd.StringVar(&servers, "servers", "nats://localhost:4222", "Comma separated NATS servers")

	controlCmd := flag.NewFlagSet("control", flag.ExitOnError)
	controlCmd.StringVar(&servers, "servers", "nats://localhost:4222", "Comma separated NATS servers")
	controlCmd.StringVar(&action, "action", protocol.ControlRate, "One of seek, pitch or rate")
	controlCmd.Float64Var(&value, "value", 1, "Control value")

	var err error
	switch os.Args[1] {
	case "say":
		sayCmd.Parse(os.Args[2:])
		err = runSay(servers, protocol.SpeechRequest{
			Text:   strings.Join(sayCmd.Args(), " "),
			Voice:  voice,
			Pitch:  pitch,
			Volume: volume,
		}, timeout)
	case "stop":
		stopCmd.Parse(os.Args[2:])
		err = publish(servers, protocol.SubjectSpeechStop, struct{}{})
	case "control":
		controlCmd.Parse(os.Args[2:])
		err = publish(servers, protocol.SubjectSpeechControl, protocol.SpeechControl{Action: action, Value: value})
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(servers string) (*bus.Client, error) {
	cfg := config.Default().Bus
	cfg.Servers = strings.Split(servers, ",")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(context.Background(), "loqaviz-say", cfg, logger)
}

func publish(servers, subject string, v any) error {
	client, err := connect(servers)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.PublishJSON(subject, v); err != nil {
		return err
	}
	return client.Conn().Flush()
}

func runSay(servers string, req protocol.SpeechRequest, timeout time.Duration) error {
	if strings.TrimSpace(req.Text) == "" {
		return errors.New("nothing to say")
	}
	client, err := connect(servers)
	if err != nil {
		return err
	}
	defer client.Close()

	statuses := make(chan *nats.Msg, 16)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectSpeechStatus, statuses)
	if err != nil {
		return fmt.Errorf("subscribe status: %w", err)
	}
	defer sub.Unsubscribe()

	req.SessionID = uuid.NewString()
	if err := client.PublishJSON(protocol.SubjectSpeechRequest, req); err != nil {
		return err
	}

	deadline := time.After(timeout)
	for {
		select {
		case msg := <-statuses:
			var status protocol.SpeechStatus
			if err := json.Unmarshal(msg.Data, &status); err != nil {
				continue
			}
			if status.SessionID != req.SessionID {
				continue
			}
			switch status.State {
			case protocol.SpeechGenerating:
				fmt.Printf("generating (estimated %.1fs)\n", status.EstimatedSeconds)
			case protocol.SpeechReady:
				fmt.Printf("playing %.2fs of audio\n", status.DurationSeconds)
				return nil
			default:
				return fmt.Errorf("speech %s: %s", status.State, status.Code)
			}
		case <-deadline:
			return fmt.Errorf("no ready status within %s", timeout)
		}
	}
}
