package main

import (
	"chatrelay/chatrelay/config"
	"chatrelay/chatrelay/controllers"
	"chatrelay/chatrelay/routes"
	"chatrelay/chatrelay/services/llm"
	"chatrelay/chatrelay/services/tts"
	"chatrelay/chatrelay/sources/memory"
	"chatrelay/chatrelay/sources/storage"
	"chatrelay/chatrelay/utils/logging"
	"chatrelay/chatrelay/utils/sanitize"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if err := logging.InitLogger(cfg.LogDir, cfg.IsDevelopment()); err != nil {
		fmt.Fprintln(os.Stderr, "logger error:", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		logging.ErrorLogger.Error("server exited", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
	logging.Sync()
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sanitizer, err := sanitize.New(cfg.SanitizePatterns, cfg.MaxContentLength)
	if err != nil {
		return err
	}
	store := memory.NewStore()
	gen := llm.NewClient(cfg, sanitizer)

	opts := []controllers.RelayOption{controllers.WithSanitizer(sanitizer)}
	if cfg.ArchiveEnabled() {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		archiver, err := storage.NewMinIOArchiver(initCtx, cfg)
		cancel()
		if err != nil {
			// archival is optional; the relay runs without it
			logging.ErrorLogger.Error("minio connection error", zap.Error(err))
		} else {
			opts = append(opts, controllers.WithArchiver(archiver))
		}
	}
	relay := controllers.NewRelayController(store, gen, cfg.GenerationTimeout, opts...)

	speech := tts.NewClient(tts.Config{
		APIKey:  cfg.ElevenLabsAPIKey,
		VoiceID: cfg.ElevenLabsVoiceID,
		BaseURL: cfg.ElevenLabsBaseURL,
		Mock:    cfg.EnableMocking,
	}, nil)

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: routes.NewRouter(routes.Deps{
			Relay:          relay,
			Health:         controllers.NewHealthController(cfg.AppEnv),
			Speech:         speech,
			Environment:    cfg.AppEnv,
			Mocked:         gen.Mocked(),
			RequestTimeout: cfg.GenerationTimeout + 30*time.Second,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.AppLogger.Info("server running",
			zap.String("port", cfg.Port),
			zap.String("environment", cfg.AppEnv),
			zap.String("llm_provider", cfg.LLMProvider),
			zap.Bool("llm_mocked", gen.Mocked()),
			zap.Bool("tts_mocked", speech.Mocked()),
			zap.Bool("archive", cfg.ArchiveEnabled()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return store.RunSweeper(gctx, cfg.SweepInterval, cfg.RetentionWindow)
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.AppLogger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		relay.Wait()
		logging.AppLogger.Info("server shutdown complete")
		return err
	})
	return g.Wait()
}
