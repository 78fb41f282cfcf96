package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/mrcpengine/internal/app"
	"github.com/MrWong99/mrcpengine/internal/config"
	"github.com/MrWong99/mrcpengine/internal/engine"
	"github.com/MrWong99/mrcpengine/internal/engine/mock"
	"github.com/MrWong99/mrcpengine/internal/observe"
	"github.com/MrWong99/mrcpengine/pkg/decoder"
	decmock "github.com/MrWong99/mrcpengine/pkg/decoder/mock"
	"github.com/MrWong99/mrcpengine/pkg/mrcp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// closingProvider is a decoder provider that records Close.
type closingProvider struct {
	decmock.Provider
	mu     sync.Mutex
	closed int
}

func (p *closingProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *closingProvider) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func testOptions(t *testing.T) []app.Option {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return []app.Option{app.WithLogger(slog.New(slog.DiscardHandler)), app.WithMetrics(m)}
}

func testConfig(dataDir string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{DataDir: dataDir, LogLevel: config.LogInfo},
		Engines: []config.EngineConfig{
			{
				Name:     "ps",
				Type:     config.EngineRecognizer,
				Resource: mrcp.ResourceRecognizer,
				Decoder:  config.ProviderEntry{Name: "fake", Model: "m.bin"},
			},
			{
				Name:     "tts",
				Type:     config.EngineDemoRecognizer,
				Resource: mrcp.ResourceSynthesizer,
			},
		},
	}
}

// testRegistry registers mock factories and records what they receive.
type testRegistry struct {
	*config.Registry
	provider *closingProvider

	mu      sync.Mutex
	params  map[string]engine.Params
	engines map[string]*mock.Engine
}

func newTestRegistry() *testRegistry {
	r := &testRegistry{
		Registry: config.NewRegistry(),
		provider: &closingProvider{},
		params:   make(map[string]engine.Params),
		engines:  make(map[string]*mock.Engine),
	}
	r.RegisterDecoder("fake", func(config.ProviderEntry) (decoder.Provider, error) {
		return r.provider, nil
	})
	factory := func(ec config.EngineConfig, p engine.Params) (engine.Engine, error) {
		e := &mock.Engine{EngineName: ec.Name, EngineResource: ec.Resource}
		r.mu.Lock()
		r.params[ec.Name] = p
		r.engines[ec.Name] = e
		r.mu.Unlock()
		return e, nil
	}
	r.RegisterEngine(config.EngineRecognizer, factory)
	r.RegisterEngine(config.EngineDemoRecognizer, factory)
	return r
}

func readyStatus(t *testing.T, a *app.App) int {
	t.Helper()
	rec := httptest.NewRecorder()
	a.Health().Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	return rec.Code
}

func TestNew_BuildsEnginesFromRegistry(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	reg := newTestRegistry()

	a, err := app.New(testConfig(dir), reg.Registry, testOptions(t)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n := len(a.Engines()); n != 2 {
		t.Fatalf("engines = %d, want 2", n)
	}

	p := reg.params["ps"]
	if p.Name != "ps" || p.Dirs.DataDir != dir {
		t.Errorf("ps params = %+v", p)
	}
	if p.Decoder != reg.provider {
		t.Error("ps did not receive the registered decoder provider")
	}
	if reg.params["tts"].Decoder != nil {
		t.Error("tts has no decoder block and should get no provider")
	}

	if _, ok := a.Host().Engine(mrcp.ResourceSynthesizer); !ok {
		t.Error("host does not serve speechsynth")
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{
			name:    "unregistered decoder",
			mutate:  func(c *config.Config) { c.Engines[0].Decoder.Name = "vosk" },
			wantErr: config.ErrProviderNotRegistered,
		},
		{
			name:    "unregistered engine type",
			mutate:  func(c *config.Config) { c.Engines[1].Type = "custom" },
			wantErr: config.ErrProviderNotRegistered,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t.TempDir())
			tt.mutate(cfg)
			reg := newTestRegistry()
			_, err := app.New(cfg, reg.Registry, testOptions(t)...)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("New: got %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("provider closed when a later engine fails", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t.TempDir())
		cfg.Engines[1].Type = "custom"
		reg := newTestRegistry()
		if _, err := app.New(cfg, reg.Registry, testOptions(t)...); err == nil {
			t.Fatal("expected error")
		}
		if n := reg.provider.closeCount(); n != 1 {
			t.Errorf("provider closed %d times, want 1", n)
		}
	})

	t.Run("duplicate resource", func(t *testing.T) {
		t.Parallel()
		_, err := app.New(&config.Config{}, nil, append(testOptions(t),
			app.WithEngines(&mock.Engine{EngineName: "a"}, &mock.Engine{EngineName: "b"}))...)
		if err == nil {
			t.Fatal("expected error for two engines on one resource")
		}
	})

	t.Run("nil registry", func(t *testing.T) {
		t.Parallel()
		if _, err := app.New(testConfig(t.TempDir()), nil, testOptions(t)...); err == nil {
			t.Fatal("expected error for nil registry")
		}
	})
}

func TestStartAndShutdown(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()
	a, err := app.New(testConfig(t.TempDir()), reg.Registry, testOptions(t)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if code := readyStatus(t, a); code != http.StatusServiceUnavailable {
		t.Errorf("readyz before Start = %d, want 503", code)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for name, e := range reg.engines {
		if e.OpenCount != 1 {
			t.Errorf("engine %q opened %d times, want 1", name, e.OpenCount)
		}
	}
	if code := readyStatus(t, a); code != http.StatusOK {
		t.Errorf("readyz after Start = %d, want 200", code)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	for name, e := range reg.engines {
		if e.CloseCount != 1 {
			t.Errorf("engine %q closed %d times, want 1", name, e.CloseCount)
		}
	}
	if n := reg.provider.closeCount(); n != 1 {
		t.Errorf("provider closed %d times, want 1", n)
	}
	if code := readyStatus(t, a); code != http.StatusServiceUnavailable {
		t.Errorf("readyz after Shutdown = %d, want 503", code)
	}
}

func TestStart_FailureClosesOpenedEngines(t *testing.T) {
	t.Parallel()
	good := &mock.Engine{EngineName: "good"}
	bad := &mock.Engine{EngineName: "bad", EngineResource: mrcp.ResourceSynthesizer, OpenErr: errors.New("model missing")}

	a, err := app.New(&config.Config{}, nil, append(testOptions(t), app.WithEngines(good, bad))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = a.Start(context.Background())
	if err == nil {
		t.Fatal("Start: expected error")
	}
	if good.CloseCount != 1 {
		t.Errorf("opened engine closed %d times, want 1", good.CloseCount)
	}
	if bad.CloseCount != 0 {
		t.Errorf("failed engine closed %d times, want 0", bad.CloseCount)
	}
}

func TestShutdown_ReportsCloseErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("stuck")
	e := &mock.Engine{EngineName: "ps", CloseErr: boom}
	a, err := app.New(&config.Config{}, nil, append(testOptions(t), app.WithEngines(e))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Shutdown(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Shutdown: got %v, want %v", err, boom)
	}
}
