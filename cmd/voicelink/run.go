package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lirica/voicelink/adapters/device"
	"github.com/lirica/voicelink/internal/audio"
	"github.com/lirica/voicelink/internal/auth"
	"github.com/lirica/voicelink/internal/config"
	"github.com/lirica/voicelink/internal/session"
)

var (
	runURL      string
	runVoice    string
	runAudioIn  string
	runAudioOut string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a backend and hold a voice session",
	Long: `Open a session against a voice backend, streaming a PCM file (or
silence) as the microphone and printing transcript lines as they finalize.
Received audio is written to --audio-out when given.

Example:
  voicelink run --url ws://localhost:8080/ws --audio-in question.pcm --audio-out reply.pcm`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runURL, "url", "", "Backend websocket URL (default from VOICELINK_URL)")
	runCmd.Flags().StringVar(&runVoice, "voice", "", "Voice id to request (default from VOICELINK_VOICE)")
	runCmd.Flags().StringVar(&runAudioIn, "audio-in", "", "Raw 16kHz little-endian int16 PCM file to stream as the microphone")
	runCmd.Flags().StringVar(&runAudioOut, "audio-out", "", "File to write received audio to, same format")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if runURL == "" {
		runURL = cfg.URL
	}
	if runVoice == "" {
		runVoice = cfg.VoiceID
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	var source audio.Source
	if runAudioIn != "" {
		source = device.NewFileSource(runAudioIn, audio.TargetSampleRate)
	} else {
		// One second of silence, then the microphone goes quiet.
		source = device.NewMemorySource(audio.TargetSampleRate, 320,
			make([]float32, audio.TargetSampleRate))
	}

	var sink audio.Sink
	if runAudioOut != "" {
		sink = device.NewFileSink(runAudioOut, audio.TargetSampleRate)
	} else {
		sink = device.NewMemorySink()
	}

	manager := auth.NewManager(cfg.TokenSecret, cfg.TokenTTL)
	token, err := manager.GenerateSessionToken("voicelink-cli")
	if err != nil {
		return fmt.Errorf("minting session token: %w", err)
	}

	printer := newTranscriptPrinter()
	controller := session.NewController(session.Config{
		URL:     runURL,
		Token:   token,
		VoiceID: runVoice,
		Source:  source,
		Sink:    sink,
	}, printer.observe, logger)

	if err := controller.Toggle(cmd.Context()); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	fmt.Printf("Session %s connected to %s\n", controller.Snapshot().SessionID, runURL)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
		fmt.Println("Interrupted, closing session")
	case <-printer.ended:
		fmt.Println("Session ended by backend")
	}

	if controller.Snapshot().Started {
		if err := controller.Toggle(context.Background()); err != nil {
			return err
		}
	}
	for _, alert := range controller.Snapshot().Alerts {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", alert.Level, alert.Message)
	}
	return nil
}

// transcriptPrinter renders finalized transcript lines exactly once each.
// Snapshots can arrive from any of the controller's goroutines.
type transcriptPrinter struct {
	mu      sync.Mutex
	printed map[string]bool
	started bool
	ended   chan struct{}
}

func newTranscriptPrinter() *transcriptPrinter {
	return &transcriptPrinter{
		printed: make(map[string]bool),
		ended:   make(chan struct{}),
	}
}

func (p *transcriptPrinter) observe(snap session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, msg := range snap.Messages {
		if !msg.Final || p.printed[msg.Key] {
			continue
		}
		p.printed[msg.Key] = true
		fmt.Printf("%s: %s\n", msg.Role, msg.Content)
	}

	if snap.Started {
		p.started = true
	} else if p.started {
		p.started = false
		select {
		case <-p.ended:
		default:
			close(p.ended)
		}
	}
}
