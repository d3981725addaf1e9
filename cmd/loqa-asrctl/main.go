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
	"os/signal"
	"strings"
	"syscall"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

var version = "0.1.0-dev"

type streamOptions struct {
	configPath string
	server     string
	file       string
	session    string
	chunk      time.Duration
	padSilence time.Duration
	realtime   bool
	wait       time.Duration
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'stream', 'validate' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "stream":
		var opts streamOptions
		cmd := flag.NewFlagSet("stream", flag.ExitOnError)
		cmd.StringVar(&opts.configPath, "config", "", "Path to configuration file for bus settings")
		cmd.StringVar(&opts.server, "server", "", "NATS URL, overrides the config")
		cmd.StringVar(&opts.file, "file", "", "16-bit PCM WAV file to stream")
		cmd.StringVar(&opts.session, "session", "", "Session id (random when empty)")
		cmd.DurationVar(&opts.chunk, "chunk", 100*time.Millisecond, "Audio per published chunk")
		cmd.DurationVar(&opts.padSilence, "pad-silence", 1200*time.Millisecond, "Trailing silence appended so the last utterance closes")
		cmd.BoolVar(&opts.realtime, "realtime", true, "Pace chunks at their playback duration")
		cmd.DurationVar(&opts.wait, "wait", 3*time.Second, "How long to keep listening after the last chunk")
		cmd.Parse(os.Args[2:])

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runStream(ctx, opts, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "validate":
		var path string
		cmd := flag.NewFlagSet("validate", flag.ExitOnError)
		cmd.StringVar(&path, "config", "loqa-asr.yaml", "Path to configuration file")
		cmd.Parse(os.Args[2:])
		if _, err := config.Load(path); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runStream(ctx context.Context, opts streamOptions, out io.Writer) error {
	if opts.file == "" {
		return errors.New("stream: -file is required")
	}
	pcm, rate, err := readWAV(opts.file)
	if err != nil {
		return err
	}
	pcm = append(pcm, make([]byte, audio.BytesFor(opts.padSilence, rate))...)

	cfg := config.Default()
	if opts.configPath != "" {
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}
	if opts.server != "" {
		cfg.Bus.Servers = []string{opts.server}
	}
	if opts.session == "" {
		opts.session = uuid.NewString()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	msgs := make(chan *nats.Msg, 64)
	for _, subject := range []string{protocol.UnitsSubject(opts.session), protocol.SubjectUtteranceFinal} {
		sub, err := client.Conn().ChanSubscribe(subject, msgs)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		defer sub.Unsubscribe()
	}
	if err := client.Conn().Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "session %s: streaming %s (%d Hz, %s)\n", opts.session, opts.file, rate, audio.FrameDuration(len(pcm), rate))

	g, gctx := errgroup.WithContext(ctx)
	recvCtx, stopRecv := context.WithCancel(gctx)
	defer stopRecv()

	g.Go(func() error {
		defer stopRecv()
		if err := publish(gctx, client, opts, pcm, rate); err != nil {
			return err
		}
		select {
		case <-time.After(opts.wait):
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		return receive(recvCtx, opts.session, msgs, out)
	})
	return g.Wait()
}

func publish(ctx context.Context, client *bus.Client, opts streamOptions, pcm []byte, rate int) error {
	chunkBytes := audio.BytesFor(opts.chunk, rate)
	chunks := audio.Split(pcm, chunkBytes)
	subject := protocol.AudioChunkSubject(opts.session)
	for i, chunk := range chunks {
		msg := protocol.AudioChunk{
			SessionID:  opts.session,
			ChunkID:    fmt.Sprintf("%s-%d", opts.session, i),
			Sequence:   i,
			SampleRate: rate,
			Channels:   1,
			PCM:        chunk,
			Final:      i == len(chunks)-1,
		}
		if err := client.PublishJSON(subject, msg); err != nil {
			return err
		}
		if opts.realtime {
			select {
			case <-time.After(audio.FrameDuration(len(chunk), rate)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return client.Conn().Flush()
}

func receive(ctx context.Context, session string, msgs <-chan *nats.Msg, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			if strings.HasPrefix(msg.Subject, protocol.SubjectUnitsPrefix+".") {
				var batch protocol.UnitBatch
				if err := json.Unmarshal(msg.Data, &batch); err != nil {
					return fmt.Errorf("decode unit batch: %w", err)
				}
				printBatch(out, batch)
				continue
			}
			var utt protocol.Utterance
			if err := json.Unmarshal(msg.Data, &utt); err != nil {
				return fmt.Errorf("decode utterance: %w", err)
			}
			if utt.SessionID == session {
				fmt.Fprintf(out, ">> %s\n", utt.Text)
			}
		}
	}
}

func printBatch(out io.Writer, batch protocol.UnitBatch) {
	for _, u := range batch.Updates {
		marker := ""
		if u.Unit.EndOfUtterance {
			marker = " [eou]"
		}
		fmt.Fprintf(out, "#%d %-6s %s%s\n", batch.Sequence, u.Type, u.Unit.Token, marker)
	}
}

// readWAV decodes a 16-bit PCM WAV file into mono little-endian bytes.
func readWAV(path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%s is not a valid wav file", path)
	}
	if dec.BitDepth != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth %d, want 16", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	return audio.Int16ToBytes(downmix(buf)), buf.Format.SampleRate, nil
}

func downmix(buf *goaudio.IntBuffer) []int16 {
	channels := max(buf.Format.NumChannels, 1)
	frames := len(buf.Data) / channels
	out := make([]int16, frames)
	for i := range frames {
		sum := 0
		for c := range channels {
			sum += buf.Data[i*channels+c]
		}
		out[i] = int16(sum / channels)
	}
	return out
}
