// Command voxscribe is the main entry point for the voxscribe transcription
// bot server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxscribe/internal/chatapi"
	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/internal/format"
	"github.com/MrWong99/voxscribe/internal/health"
	"github.com/MrWong99/voxscribe/internal/media"
	"github.com/MrWong99/voxscribe/internal/objectstore"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/internal/orchestrate"
	"github.com/MrWong99/voxscribe/internal/queue"
	"github.com/MrWong99/voxscribe/internal/resilience"
	"github.com/MrWong99/voxscribe/internal/store"
	"github.com/MrWong99/voxscribe/internal/transcribe"
	"github.com/MrWong99/voxscribe/internal/webhook"
	"github.com/MrWong99/voxscribe/pkg/provider/asr"
	"github.com/MrWong99/voxscribe/pkg/provider/asr/whisper"
	"github.com/MrWong99/voxscribe/pkg/provider/llm"
	"github.com/MrWong99/voxscribe/pkg/provider/llm/openai"
)

// pollInterval is how often the worker polls the queue for new jobs.
const pollInterval = 3 * time.Second

// orphanSweepInterval is how often the worker checks for stuck jobs.
const orphanSweepInterval = 5 * time.Minute

// maxMessagesPerPoll bounds a single queue receive call.
const maxMessagesPerPoll = 10

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxscribe: config file %q not found — pass -config with the path to a YAML configuration file\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxscribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxscribe starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxscribe",
		ServiceVersion: cfg.Server.Version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer shutdownTelemetry(context.Background())

	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	asrProvider, diarizeA, diarizeB, diarizeAlternates, err := buildASRProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build ASR providers", "err", err)
		return 1
	}
	primaryLLM, fallbackLLM, err := buildLLMProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build LLM providers", "err", err)
		return 1
	}

	// ── Storage, queue, object store, chat client ────────────────────────────
	db, pool, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		slog.Error("failed to open database", "err", err)
		return 1
	}
	defer pool.Close()

	q, err := queue.NewFromRegion(ctx, cfg.Store.Region, cfg.Queue.Name)
	if err != nil {
		slog.Error("failed to connect to queue", "err", err)
		return 1
	}

	objects, err := objectstore.Open(ctx, objectstore.Config{
		Bucket:          cfg.Store.Bucket,
		Region:          cfg.Store.Region,
		Endpoint:        cfg.Store.Endpoint,
		AccessKeyID:     cfg.Store.AccessKeyID,
		SecretAccessKey: cfg.Store.SecretAccessKey,
		PutExpiry:       cfg.Store.SignedPutExpiry,
		GetExpiry:       cfg.Store.SignedGetExpiry,
	})
	if err != nil {
		slog.Error("failed to open object store", "err", err)
		return 1
	}

	chat := chatapi.New(cfg.Server.ChatAPIBaseURL)

	// ── Pipeline stages ───────────────────────────────────────────────────────
	mediaPipeline := media.New(media.DefaultConfig())
	transcriber := transcribe.New(mediaPipeline)
	formatter := format.New(primaryLLM, format.WithFallback(fallbackLLM))

	// ── Orchestrator ──────────────────────────────────────────────────────────
	svc := orchestrate.New(orchestrate.Deps{
		Store:       db,
		Queue:       q,
		Chat:        chat,
		Objects:     objects,
		Media:       mediaPipeline,
		Transcriber: transcriber,
		Formatter:   formatter,

		ASRProvider:       asrProvider,
		DiarizePassA:      diarizeA,
		DiarizePassB:      diarizeB,
		DiarizeAlternates: diarizeAlternates,

		Billing:     cfg.Billing,
		Limits:      cfg.Limits,
		Admin:       cfg.Admin,
		ObjectsConf: cfg.Store,

		WorkerInvokeURL: cfg.Server.WorkerInvokeURL,
	})

	// ── Config hot-reload ─────────────────────────────────────────────────────
	// Re-reads configPath on a poll interval and applies whatever changed that
	// can be applied live: log level and the billing/limits knobs. Provider
	// identity changes are reported by config.Diff but still require a
	// restart, since rebuilding a provider means rebuilding the registry.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.LogLevelChanged {
			slog.SetDefault(newLogger(diff.NewLogLevel))
			slog.Info("log level reloaded", "level", diff.NewLogLevel)
		}
		if diff.LimitsChanged || diff.BillingChanged {
			svc.UpdateRuntimeConfig(new.Billing, new.Limits)
			slog.Info("billing/limits reloaded")
		}
		if diff.ProvidersChanged {
			slog.Warn("providers config changed on disk but requires a restart to take effect")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	webhook.New(svc, webhook.Config{
		PublicBaseURL: cfg.Server.PublicBaseURL,
		Region:        cfg.Server.Region,
		Version:       cfg.Server.Version,
	}).Register(mux)
	health.New(health.Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			return pool.Ping(ctx)
		},
	}).Register(mux)

	var handler http.Handler = mux
	handler = observe.Middleware(metrics)(handler)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: handler,
	}

	printStartupSummary(cfg)

	// ── Background loops ──────────────────────────────────────────────────────
	go pollLoop(ctx, svc)
	go orphanSweepLoop(ctx, svc)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server ready", "listen_addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// pollLoop periodically drains the async job queue until ctx is cancelled.
func pollLoop(ctx context.Context, svc *orchestrate.Service) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.PollQueue(ctx, maxMessagesPerPoll); err != nil {
				slog.Error("poll queue failed", "err", err)
			}
		}
	}
}

// orphanSweepLoop periodically reclaims jobs stuck in pending/processing.
func orphanSweepLoop(ctx context.Context, svc *orchestrate.Service) {
	ticker := time.NewTicker(orphanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := svc.SweepOrphanedJobs(ctx)
			if err != nil {
				slog.Error("orphan sweep failed", "err", err)
				continue
			}
			if swept > 0 {
				slog.Info("orphan sweep reclaimed jobs", "count", swept)
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with voxscribe. Used for startup logging.
var builtinProviders = map[string][]string{
	"asr": {"whisper-http"},
	"llm": {"openai"},
}

// registerBuiltinProviders wires every concrete provider package this
// repository ships against the names operators select in config.yaml.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterASR("whisper-http", func(entry config.ProviderEntry) (asr.Provider, error) {
		opts := []whisper.Option{}
		if model, ok := entry.Options["model"].(string); ok && model != "" {
			opts = append(opts, whisper.WithModel(model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildASRProviders instantiates the primary ASR provider, chaining any
// configured ASRFallbacks behind it through a [resilience.ASRFallback], and
// the two diarization passes plus any synchronous alternate diarization
// providers (spec.md §4.2.3). Diarization passes require a provider
// implementing [asr.AsyncProvider]; none of voxscribe's shipped providers do
// (see DESIGN.md), so an unset diarization entry simply disables the
// two-pass diarization path rather than failing startup.
func buildASRProviders(cfg *config.Config, reg *config.Registry) (primary asr.Provider, passA, passB asr.AsyncProvider, alternates []asr.Provider, err error) {
	if cfg.Providers.ASR.Name == "" {
		return nil, nil, nil, nil, fmt.Errorf("voxscribe: providers.asr.name must be set")
	}
	base, err := reg.CreateASR(cfg.Providers.ASR)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create asr provider %q: %w", cfg.Providers.ASR.Name, err)
	}
	slog.Info("provider created", "kind", "asr", "name", cfg.Providers.ASR.Name)

	if len(cfg.Providers.ASRFallbacks) == 0 {
		primary = base
	} else {
		group := resilience.NewASRFallback(base, cfg.Providers.ASR.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.ASRFallbacks {
			fb, ferr := reg.CreateASR(entry)
			if ferr != nil {
				return nil, nil, nil, nil, fmt.Errorf("create asr fallback provider %q: %w", entry.Name, ferr)
			}
			group.AddFallback(entry.Name, fb)
			slog.Info("provider created", "kind", "asr_fallback", "name", entry.Name)
		}
		primary = group
	}

	for _, entry := range cfg.Providers.DiarizationAlternates {
		alt, aerr := reg.CreateASR(entry)
		if aerr != nil {
			return nil, nil, nil, nil, fmt.Errorf("create diarization alternate provider %q: %w", entry.Name, aerr)
		}
		alternates = append(alternates, alt)
		slog.Info("provider created", "kind", "diarization_alternate", "name", entry.Name)
	}

	if cfg.Providers.Diarization.Name == "" {
		slog.Info("diarization disabled: providers.diarization.name not set")
		return primary, nil, nil, alternates, nil
	}

	diarizer, err := reg.CreateASR(cfg.Providers.Diarization)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create diarization provider %q: %w", cfg.Providers.Diarization.Name, err)
	}
	async, ok := diarizer.(asr.AsyncProvider)
	if !ok {
		slog.Warn("diarization provider does not implement AsyncProvider, disabling diarization", "name", cfg.Providers.Diarization.Name)
		return primary, nil, nil, alternates, nil
	}
	return primary, async, async, alternates, nil
}

// buildLLMProviders instantiates the primary formatting LLM and, when
// configured, a fallback.
func buildLLMProviders(cfg *config.Config, reg *config.Registry) (primary, fallback llm.Provider, err error) {
	if cfg.Providers.LLM.Name == "" {
		return nil, nil, fmt.Errorf("voxscribe: providers.llm.name must be set")
	}
	primary, err = reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if cfg.Providers.LLMFallback.Name == "" {
		return primary, nil, nil
	}
	fallback, err = reg.CreateLLM(cfg.Providers.LLMFallback)
	if err != nil {
		return nil, nil, fmt.Errorf("create llm fallback provider %q: %w", cfg.Providers.LLMFallback.Name, err)
	}
	slog.Info("provider created", "kind", "llm_fallback", "name", cfg.Providers.LLMFallback.Name)
	return primary, fallback, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxscribe — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("ASR", cfg.Providers.ASR.Name, cfg.Providers.ASR.Model)
	fmt.Printf("║  ASR fallbacks   : %-19d ║\n", len(cfg.Providers.ASRFallbacks))
	printProvider("Diarization", cfg.Providers.Diarization.Name, cfg.Providers.Diarization.Model)
	fmt.Printf("║  Diar. alternates: %-19d ║\n", len(cfg.Providers.DiarizationAlternates))
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("LLM fallback", cfg.Providers.LLMFallback.Name, cfg.Providers.LLMFallback.Model)
	fmt.Printf("║  Admin users     : %-19d ║\n", len(cfg.Admin.UserIDs))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s: %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
