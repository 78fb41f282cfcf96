// Command mrcpengine is the main entry point for the MRCP engine server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mrcpengine/internal/app"
	"github.com/MrWong99/mrcpengine/internal/config"
	"github.com/MrWong99/mrcpengine/internal/engine/demo"
	"github.com/MrWong99/mrcpengine/internal/engine/recognizer"
	"github.com/MrWong99/mrcpengine/internal/observe"
	"github.com/MrWong99/mrcpengine/internal/server"
	"github.com/MrWong99/mrcpengine/pkg/decoder"
	"github.com/MrWong99/mrcpengine/pkg/decoder/whisper"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listenAddr := flag.String("listen", "", "override server.listen_addr")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mrcpengine: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mrcpengine: %v\n", err)
		}
		return 1
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("mrcpengine starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"engines", len(cfg.Engines),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// Must run before anything touches observe.DefaultMetrics.
	otelShutdown, err := observe.InitProvider(ctx, telemetryConfig(cfg))
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Engine registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	printStartupSummary(cfg)

	application, err := app.New(cfg, reg, app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	if err := application.Start(ctx); err != nil {
		slog.Error("failed to open engines", "err", err)
		if err := application.Shutdown(context.Background()); err != nil {
			slog.Warn("cleanup after failed start", "err", err)
		}
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	application.Health().Register(mux)
	server.NewBridge(application.Host()).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics, observe.WithQuietRoutes("/healthz", "/readyz", "/metrics"))(mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
		d := config.Diff(old, next)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		for _, ec := range d.EngineChanges {
			slog.Warn("engine config changed; restart to apply",
				"engine", ec.Name, "added", ec.Added, "removed", ec.Removed, "modified", ec.Modified)
		}
		if d.RestartRequired && !d.EnginesChanged {
			slog.Warn("server config changed; restart to apply")
		}
	})
	if err != nil {
		slog.Warn("config hot-reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready; press Ctrl+C to shut down", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// ── Graceful shutdown ─────────────────────────────────────────────
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		httpErr := srv.Shutdown(shutdownCtx)
		appErr := application.Shutdown(shutdownCtx)
		return errors.Join(httpErr, appErr)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Engine wiring ─────────────────────────────────────────────────────────────

// registerBuiltins wires the built-in engine types and decoder providers
// into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterEngine(config.EngineRecognizer, recognizer.Factory)
	reg.RegisterEngine(config.EngineDemoRecognizer, demo.Factory)

	reg.RegisterDecoder("whisper", func(entry config.ProviderEntry) (decoder.Provider, error) {
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if step := optString(entry.Options, "partial_step"); step != "" {
			d, err := time.ParseDuration(step)
			if err != nil {
				return nil, fmt.Errorf("whisper: options.partial_step: %w", err)
			}
			opts = append(opts, whisper.WithPartialStep(d))
		}
		p, err := whisper.New(entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// telemetryConfig describes the configured engines to the telemetry
// resource.
func telemetryConfig(cfg *config.Config) observe.ProviderConfig {
	pc := observe.ProviderConfig{ServiceName: cfg.Telemetry.ServiceName}
	for _, ec := range cfg.Engines {
		pc.Engines = append(pc.Engines, ec.Name)
		pc.Resources = append(pc.Resources, string(ec.Resource))
	}
	return pc
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       mrcpengine startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Listen addr     : %-19s ║\n", clip(cfg.Server.ListenAddr))
	fmt.Printf("║  Data dir        : %-19s ║\n", clip(cfg.Server.DataDir))
	fmt.Printf("║  Engines         : %-19d ║\n", len(cfg.Engines))
	for _, ec := range cfg.Engines {
		value := string(ec.Type) + " / " + string(ec.Resource)
		if ec.Decoder.Name != "" {
			value += " / " + ec.Decoder.Name
		}
		fmt.Printf("║  %-15s : %-19s ║\n", clipTo(ec.Name, 15), clip(value))
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func clip(s string) string { return clipTo(s, 19) }

func clipTo(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the key is absent or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
