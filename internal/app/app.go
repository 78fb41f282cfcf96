// Package app wires the configured engines into a running engine server.
//
// New builds every engine from the config through the registry and puts them
// behind a [server.Host]. Start opens all engines concurrently and Shutdown
// closes them again, followed by the decoder providers they were built with.
//
// For testing, inject engines directly with [WithEngines]; the registry is
// then not consulted.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/MrWong99/mrcpengine/internal/config"
	"github.com/MrWong99/mrcpengine/internal/engine"
	"github.com/MrWong99/mrcpengine/internal/health"
	"github.com/MrWong99/mrcpengine/internal/observe"
	"github.com/MrWong99/mrcpengine/internal/server"
	"golang.org/x/sync/errgroup"
)

// ErrEngineNotOpen is reported by the readiness check of an engine that has
// not been opened.
var ErrEngineNotOpen = errors.New("app: engine not open")

// App owns the engine lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	engines []engine.Engine
	host    *server.Host
	health  *health.Handler

	// closers release decoder providers after the engines are closed.
	closers []func() error

	mu     sync.Mutex
	opened map[string]bool

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithEngines injects engines instead of building them from the config.
func WithEngines(engines ...engine.Engine) Option {
	return func(a *App) { a.engines = engines }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds the engines of cfg using reg, the host serving them and a
// readiness check per engine. Engines are not opened yet; call Start.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
		opened:  make(map[string]bool),
	}
	for _, o := range opts {
		o(a)
	}

	if a.engines == nil {
		if err := a.buildEngines(reg); err != nil {
			_ = a.closeProviders()
			return nil, err
		}
	}

	host, err := server.NewHost(a.engines,
		server.WithLogger(a.log),
		server.WithMetrics(a.metrics),
	)
	if err != nil {
		_ = a.closeProviders()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.host = host

	a.health = health.New()
	for _, e := range a.engines {
		name := e.Name()
		a.health.Add(health.Checker{
			Name: "engine/" + name,
			Check: func(context.Context) error {
				if !a.isOpen(name) {
					return ErrEngineNotOpen
				}
				return nil
			},
		})
	}
	return a, nil
}

func (a *App) buildEngines(reg *config.Registry) error {
	if reg == nil {
		return errors.New("app: registry is required when engines are not injected")
	}
	dirs := engine.DirLayout{DataDir: a.cfg.Server.DataDir}
	for _, ec := range a.cfg.Engines {
		p := engine.Params{
			Name:    ec.Name,
			Dirs:    dirs,
			Logger:  a.log,
			Metrics: a.metrics,
		}
		if ec.Decoder.Name != "" {
			dp, err := reg.CreateDecoder(ec.Decoder)
			if err != nil {
				return fmt.Errorf("app: engine %q: decoder: %w", ec.Name, err)
			}
			if c, ok := dp.(io.Closer); ok {
				a.closers = append(a.closers, c.Close)
			}
			p.Decoder = dp
		}
		e, err := reg.CreateEngine(ec, p)
		if err != nil {
			return fmt.Errorf("app: engine %q: %w", ec.Name, err)
		}
		a.log.Info("engine created", "engine", ec.Name, "type", ec.Type, "resource", e.Resource(), "decoder", ec.Decoder.Name)
		a.engines = append(a.engines, e)
	}
	return nil
}

// Host returns the host serving the engines.
func (a *App) Host() *server.Host { return a.host }

// Health returns the health handler with one readiness check per engine.
func (a *App) Health() *health.Handler { return a.health }

// Engines returns the engines in config order.
func (a *App) Engines() []engine.Engine { return a.engines }

func (a *App) isOpen(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opened[name]
}

func (a *App) setOpen(name string, open bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opened[name] = open
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Start opens all engines concurrently. If any engine fails to open, the
// engines that did open are closed again and the first error is returned.
func (a *App) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range a.engines {
		g.Go(func() error {
			if err := e.Open(gctx); err != nil {
				return fmt.Errorf("app: open engine %q: %w", e.Name(), err)
			}
			a.setOpen(e.Name(), true)
			a.log.Info("engine opened", "engine", e.Name())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if cerr := a.closeEngines(context.WithoutCancel(ctx)); cerr != nil {
			a.log.Warn("closing engines after failed start", "err", cerr)
		}
		return err
	}
	return nil
}

// Shutdown closes all open engines concurrently, then releases the decoder
// providers. It respects the context deadline passed to each engine.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "engines", len(a.engines), "channels", a.host.Channels())
		err = a.closeEngines(ctx)
		if cerr := a.closeProviders(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		a.log.Info("shutdown complete")
	})
	return err
}

func (a *App) closeEngines(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, e := range a.engines {
		if !a.isOpen(e.Name()) {
			continue
		}
		wg.Go(func() {
			err := e.Close(ctx)
			a.setOpen(e.Name(), false)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("app: close engine %q: %w", e.Name(), err))
				mu.Unlock()
				return
			}
			a.log.Info("engine closed", "engine", e.Name())
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (a *App) closeProviders() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, fmt.Errorf("app: close decoder: %w", err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
