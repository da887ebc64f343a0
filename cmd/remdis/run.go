package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/config"
	"github.com/leo-huovi/remdis/internal/dialogue"
	"github.com/leo-huovi/remdis/internal/errs"
	"github.com/leo-huovi/remdis/internal/httpserver"
	"github.com/leo-huovi/remdis/internal/intention"
	"github.com/leo-huovi/remdis/internal/llm"
	"github.com/leo-huovi/remdis/internal/llmgen"
	"github.com/leo-huovi/remdis/internal/logging"
	"github.com/leo-huovi/remdis/internal/runtime"
	"github.com/leo-huovi/remdis/internal/textvap"
	"github.com/leo-huovi/remdis/internal/transcript"
	"github.com/leo-huovi/remdis/internal/tts"
	"github.com/leo-huovi/remdis/internal/vap"
)

var (
	logLevel  string
	logPretty bool
	busRetries int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the full dialogue pipeline and HTTP/WebSocket bridge surface",
	RunE:  runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	runCmd.Flags().BoolVar(&logPretty, "log-pretty", false, "use a human-readable console log writer")
	runCmd.Flags().IntVar(&busRetries, "bus-retries", 3, "retries for a bus-unavailable startup failure before giving up")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errs.New(errs.KindConfigInvalid, "run", err)
	}

	log := logging.New(logging.Options{Level: logLevel, Pretty: logPretty})

	b := bus.NewWithCapacity(cfg.Bus.BufferSize)
	host := runtime.NewHost(b, log)

	llmClient := llm.NewClient(cfg.Secrets.CerebrasKey, cfg.ChatGPT.Model)
	generator := llmgen.NewGenerator(llmClient, cfg.ChatGPT.SystemPrompt, cfg.ChatGPT.FirstTokenTimeout)

	dialogueCfg := dialogue.Config{
		Threshold:                 cfg.Dialogue.Threshold,
		HistoryLength:             cfg.Dialogue.HistoryLength,
		MaxMessageNumInContext:    cfg.Dialogue.MaxMessageNumInContext,
		ResponseGenerationTimeout: cfg.Dialogue.ResponseGenerationTimeout,
		SplitPattern:              cfg.Dialogue.SplitPattern,
		Backchannels:              cfg.Dialogue.Backchannels,
		MaxVerbalBackchannelNum:   cfg.Dialogue.MaxVerbalBackchannelNum,
	}
	controller := dialogue.New(b, generator, dialogueCfg, logging.For(log, "dialogue"))
	host.Register(controller)

	asrClient := transcript.NewClient(cfg.Secrets.AssemblyAIKey, transcript.Config{
		SampleRate:            cfg.ASR.SampleRate,
		SilenceThreshold:      cfg.ASR.SilenceThreshold,
		ContinuationExtension: cfg.ASR.ContinuationExtension,
		StabilizationGrace:    cfg.ASR.StabilizationGrace,
	}, logging.For(log, "asr"))
	host.Register(transcript.NewModule(b, asrClient, logging.For(log, "asr")))

	det := vap.NewDetector(cfg.ASR.SampleRate, cfg.VAP.EnergyThreshold, cfg.VAP.VoteWindow)
	host.Register(vap.NewModule(b, det))

	synth, err := ttsSynthesizer(cfg, log)
	if err != nil {
		return errs.New(errs.KindConfigInvalid, "run", err)
	}
	host.Register(tts.NewModule(b, synth, logging.For(log, "tts")))

	textVAPClient := llm.NewClient(cfg.Secrets.CerebrasKey, cfg.TextVAP.Model)
	adapter := textvap.NewAdapter(textVAPClient, cfg.TextVAP.SystemPrompt)
	host.Register(textvap.NewModule(b, adapter))

	host.Register(intention.New(b, intention.Config{
		MaxSilenceTime: cfg.Dialogue.MaxSilenceTime,
		MaxTimeoutNum:  cfg.Dialogue.MaxTimeoutNum,
		BlockTime:      cfg.Dialogue.BlockTime,
		PromptTemplate: cfg.Intention.PromptTemplate,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := startHostWithRetry(ctx, host, busRetries); err != nil {
		return errs.New(errs.KindBusUnavailable, "run", err)
	}

	srv := httpserver.New(cfg, b, log)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPServer.Address,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.HTTPServer.Address).Msg("http server listening")
		serverErrors <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			cancel()
			return errs.New(errs.KindUpstreamFailure, "run", err)
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
		_ = httpSrv.Close()
	}
	cancel()
	return nil
}

// startHostWithRetry runs host.Run in the background (it blocks on
// ctx once every module has started) and only treats a failure during
// the initial module-start phase as retryable, per spec.md's "bus
// errors are retried with backoff; persistent failure is fatal"
// propagation policy. runCtx is derived from ctx, so cancelling ctx
// always stops the host regardless of which attempt is live.
func startHostWithRetry(ctx context.Context, host *runtime.Host, retries int) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		started := make(chan error, 1)
		go func() { started <- host.Run(ctx) }()

		select {
		case err := <-started:
			lastErr = err
			if ctx.Err() != nil {
				return lastErr
			}
			time.Sleep(backoff(attempt))
			continue
		case <-time.After(200 * time.Millisecond):
			return nil
		}
	}
	return lastErr
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<attempt) * 100 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

// ttsSynthesizer picks the TTS backend from whichever API key is
// configured, preferring Deepgram since it is the teacher's original
// default backend.
func ttsSynthesizer(cfg config.Config, log zerolog.Logger) (tts.Synthesizer, error) {
	switch {
	case cfg.Secrets.DeepgramKey != "":
		return tts.NewDeepgramSynthesizer(cfg.Secrets.DeepgramKey, cfg.TTS.Model, logging.For(log, "tts")), nil
	case cfg.Secrets.ElevenLabsKey != "":
		return tts.NewElevenLabsSynthesizer(cfg.Secrets.ElevenLabsKey, cfg.TTS.VoiceID, logging.For(log, "tts")), nil
	default:
		return nil, fmt.Errorf("no TTS backend configured: set DEEPGRAM_API_KEY or ELEVENLABS_API_KEY")
	}
}
