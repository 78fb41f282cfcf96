package demo

import (
	"testing"
	"time"

	"github.com/MrWong99/mrcpengine/internal/config"
	"github.com/MrWong99/mrcpengine/internal/engine"
)

func TestFromConfig(t *testing.T) {
	t.Parallel()

	if got := FromConfig(config.EngineConfig{}); got != DefaultConfig() {
		t.Errorf("empty: got %+v, want defaults", got)
	}

	got := FromConfig(config.EngineConfig{
		Recognizer: config.RecognizerConfig{FrameDuration: 20 * time.Millisecond},
		Demo: config.DemoConfig{
			TimeToComplete:   time.Second,
			ResultFile:       "/srv/result.xml",
			RecordUtterances: true,
		},
	})
	want := Config{
		TimeToComplete:   time.Second,
		FrameDuration:    20 * time.Millisecond,
		ResultFile:       "/srv/result.xml",
		RecordUtterances: true,
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestFactory(t *testing.T) {
	t.Parallel()
	e, err := Factory(config.EngineConfig{Name: "demo"}, engine.Params{Name: "demo"})
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	if e.Name() != "demo" {
		t.Errorf("Name: got %q", e.Name())
	}
}
