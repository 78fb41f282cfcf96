package config_test

import (
	"testing"
	"time"

	"github.com/MrWong99/mrcpengine/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8060", LogLevel: config.LogInfo, DataDir: "data"},
		Engines: []config.EngineConfig{
			{Name: "ps", Type: config.EngineRecognizer, Decoder: config.ProviderEntry{Name: "whisper", Model: "a.bin"}},
			{Name: "demo", Type: config.EngineDemoRecognizer, Demo: config.DemoConfig{ResultFile: "result.xml"}},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, baseConfig())
	if d.EnginesChanged || d.LogLevelChanged || d.RestartRequired {
		t.Errorf("expected no changes, got %+v", d)
	}
	if len(d.EngineChanges) != 0 {
		t.Errorf("expected 0 engine changes, got %d", len(d.EngineChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.RestartRequired {
		t.Error("log level change should not require a restart")
	}
}

func TestDiff_ServerChangesRequireRestart(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9000" }},
		{"data dir", func(c *config.Config) { c.Server.DataDir = "/var/lib/mrcp" }},
		{"service name", func(c *config.Config) { c.Telemetry.ServiceName = "other" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			new := baseConfig()
			tt.mutate(new)
			d := config.Diff(baseConfig(), new)
			if !d.RestartRequired {
				t.Error("expected RestartRequired=true")
			}
			if d.EnginesChanged {
				t.Error("expected EnginesChanged=false")
			}
		})
	}
}

func TestDiff_EngineModified(t *testing.T) {
	t.Parallel()
	timeout := 3 * time.Second
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"decoder model", func(c *config.Config) { c.Engines[0].Decoder.Model = "b.bin" }},
		{"recognizer timeout", func(c *config.Config) { c.Engines[0].Recognizer.NoInputTimeout = &timeout }},
		{"decoder options", func(c *config.Config) { c.Engines[0].Decoder.Options = map[string]any{"threads": 4} }},
		{"demo result file", func(c *config.Config) { c.Engines[1].Demo.ResultFile = "other.xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			new := baseConfig()
			tt.mutate(new)
			d := config.Diff(baseConfig(), new)
			if !d.EnginesChanged || !d.RestartRequired {
				t.Fatalf("expected engine change requiring restart, got %+v", d)
			}
			if len(d.EngineChanges) != 1 {
				t.Fatalf("expected 1 engine change, got %d", len(d.EngineChanges))
			}
			if c := d.EngineChanges[0]; !c.Modified || c.Added || c.Removed {
				t.Errorf("expected only Modified, got %+v", c)
			}
		})
	}
}

func TestDiff_EngineAddedAndRemoved(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Engines = []config.EngineConfig{
		old.Engines[0],
		{Name: "demo2", Type: config.EngineDemoRecognizer},
	}

	d := config.Diff(old, new)
	if !d.EnginesChanged {
		t.Fatal("expected EnginesChanged=true")
	}
	if len(d.EngineChanges) != 2 {
		t.Fatalf("expected 2 engine changes, got %d: %+v", len(d.EngineChanges), d.EngineChanges)
	}
	removed, added := d.EngineChanges[0], d.EngineChanges[1]
	if removed.Name != "demo" || !removed.Removed {
		t.Errorf("first change: got %+v, want demo removed", removed)
	}
	if added.Name != "demo2" || !added.Added {
		t.Errorf("second change: got %+v, want demo2 added", added)
	}
}

func TestDiff_EngineReorderIsNoChange(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Engines[0], new.Engines[1] = new.Engines[1], new.Engines[0]

	if d := config.Diff(old, new); d.EnginesChanged {
		t.Errorf("reordering engines should not count as a change, got %+v", d.EngineChanges)
	}
}
