// Package runtime assembles the application: telemetry, stores, bus,
// backends, the turn engine and the HTTP server.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlabs/voxconsole/internal/attach"
	"github.com/voxlabs/voxconsole/internal/bus"
	"github.com/voxlabs/voxconsole/internal/config"
	"github.com/voxlabs/voxconsole/internal/journal"
	"github.com/voxlabs/voxconsole/internal/llm"
	"github.com/voxlabs/voxconsole/internal/natsserver"
	"github.com/voxlabs/voxconsole/internal/registry"
	"github.com/voxlabs/voxconsole/internal/server"
	"github.com/voxlabs/voxconsole/internal/store"
	"github.com/voxlabs/voxconsole/internal/stt"
	"github.com/voxlabs/voxconsole/internal/synth"
	"github.com/voxlabs/voxconsole/internal/turn"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, logger: logger}
}

// Start brings the whole stack up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	st, err := store.Open(ctx, r.cfg.Store, r.logger.With(slog.String("component", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "natsserver")))
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer busClient.Close()

	journalStore, err := journal.Open(ctx, r.cfg.Journal, r.logger.With(slog.String("component", "journal")))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journalStore.Close()

	journalSvc := journal.NewService(ctx, journalStore, busClient, r.logger)
	if err := journalSvc.Start(); err != nil {
		return fmt.Errorf("start journal: %w", err)
	}
	defer journalSvc.Close()

	if err := tel.attachTurnMetrics(busClient); err != nil {
		return fmt.Errorf("attach turn metrics: %w", err)
	}

	generator, err := r.buildGenerator()
	if err != nil {
		return err
	}
	synthesizer, err := r.buildSynthesizer()
	if err != nil {
		return err
	}
	recognizer, err := r.buildRecognizer()
	if err != nil {
		return err
	}

	engine := turn.NewEngine(ctx, r.cfg, generator, synthesizer, st, registry.New(), busClient, r.logger)
	defer engine.Close()

	attachments := attach.NewStore(r.logger.With(slog.String("component", "attach")))

	svc := server.New(server.Deps{
		Config:      r.cfg,
		Engine:      engine,
		Store:       st,
		Attachments: attachments,
		Encoder:     attach.NewPassthroughEncoder(r.cfg.Upload.MaxPDFPages),
		Recognizer:  recognizer,
		Generator:   generator,
		Journal:     journalStore,
		Metrics:     tel.metricsHandler,
		Ready:       func() bool { return r.ready.Load() && busClient.Healthy() },
		Logger:      r.logger,
	})

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := tel.shutdown(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) buildGenerator() (llm.Generator, error) {
	if r.cfg.LLM.Endpoint == "" {
		r.logger.Warn("no model endpoint configured, using mock generator")
		return llm.NewMockGenerator(""), nil
	}
	return llm.NewOllamaGenerator(r.cfg.LLM.Endpoint), nil
}

func (r *Runtime) buildSynthesizer() (synth.Synthesizer, error) {
	if !r.cfg.TTS.Enabled {
		return nil, nil
	}
	switch r.cfg.TTS.Mode {
	case "exec":
		return synth.NewExecSynth(r.cfg.TTS.Command, r.cfg.TTS.SampleRate, r.cfg.TTS.Channels)
	case "mock", "":
		return synth.NewMockSynth(r.cfg.TTS.SampleRate, r.cfg.TTS.Channels), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", r.cfg.TTS.Mode)
	}
}

func (r *Runtime) buildRecognizer() (stt.Recognizer, error) {
	if !r.cfg.STT.Enabled {
		return nil, nil
	}
	switch r.cfg.STT.Mode {
	case "exec":
		return stt.NewExecRecognizer(r.cfg.STT.Command)
	case "mock", "":
		return stt.NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", r.cfg.STT.Mode)
	}
}
