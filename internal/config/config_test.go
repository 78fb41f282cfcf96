package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/mrcpengine/internal/config"
	"github.com/MrWong99/mrcpengine/internal/engine"
	enginemock "github.com/MrWong99/mrcpengine/internal/engine/mock"
	"github.com/MrWong99/mrcpengine/pkg/decoder"
	decmock "github.com/MrWong99/mrcpengine/pkg/decoder/mock"
	"github.com/MrWong99/mrcpengine/pkg/mrcp"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  data_dir: /var/lib/mrcpengine

telemetry:
  service_name: mrcp-test

engines:
  - name: ps
    type: recognizer
    decoder:
      name: whisper
      model: /models/ggml-base.en.bin
      options:
        threads: 4
    recognizer:
      sample_rate: 16000
      frame_duration: 20ms
      no_input_timeout: 3s
      recognition_timeout: 0s
      partial_result_interval: 250ms
      frame_queue_size: 64
      language: en
    detector:
      level_threshold: 3
      speech_timeout: 200ms
      silence_timeout: 600ms
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Server.DataDir != "/var/lib/mrcpengine" {
		t.Errorf("server.data_dir: got %q", cfg.Server.DataDir)
	}
	if cfg.Telemetry.ServiceName != "mrcp-test" {
		t.Errorf("telemetry.service_name: got %q", cfg.Telemetry.ServiceName)
	}
	if len(cfg.Engines) != 1 {
		t.Fatalf("engines: got %d, want 1", len(cfg.Engines))
	}

	ec := cfg.Engines[0]
	if ec.Type != config.EngineRecognizer {
		t.Errorf("engines[0].type: got %q", ec.Type)
	}
	if ec.Resource != mrcp.ResourceRecognizer {
		t.Errorf("engines[0].resource: got %q, want default %q", ec.Resource, mrcp.ResourceRecognizer)
	}
	if ec.Decoder.Model != "/models/ggml-base.en.bin" {
		t.Errorf("engines[0].decoder.model: got %q", ec.Decoder.Model)
	}
	if ec.Decoder.Options["threads"] != 4 {
		t.Errorf("engines[0].decoder.options.threads: got %v", ec.Decoder.Options["threads"])
	}

	rc := ec.Recognizer
	if rc.SampleRate != 16000 || rc.FrameDuration != 20*time.Millisecond || rc.FrameQueueSize != 64 {
		t.Errorf("recognizer: got %+v", rc)
	}
	if rc.NoInputTimeout == nil || *rc.NoInputTimeout != 3*time.Second {
		t.Errorf("recognizer.no_input_timeout: got %v", rc.NoInputTimeout)
	}
	if rc.RecognitionTimeout == nil || *rc.RecognitionTimeout != 0 {
		t.Errorf("recognizer.recognition_timeout: explicit zero should be kept, got %v", rc.RecognitionTimeout)
	}
	if rc.DrainTimeout != nil {
		t.Errorf("recognizer.drain_timeout: unset value should be nil, got %v", *rc.DrainTimeout)
	}
	if rc.Language != "en" {
		t.Errorf("recognizer.language: got %q", rc.Language)
	}

	dc := ec.Detector
	if dc.LevelThreshold == nil || *dc.LevelThreshold != 3 {
		t.Errorf("detector.level_threshold: got %v", dc.LevelThreshold)
	}
	if dc.SpeechTimeout != 200*time.Millisecond || dc.SilenceTimeout != 600*time.Millisecond {
		t.Errorf("detector: got %+v", dc)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(in))
		if err != nil {
			t.Fatalf("LoadFromReader(%q): unexpected error: %v", in, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
		}
		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
		}
		if cfg.Server.DataDir != config.DefaultDataDir {
			t.Errorf("data_dir: got %q, want %q", cfg.Server.DataDir, config.DefaultDataDir)
		}
		if cfg.Telemetry.ServiceName != config.DefaultServiceName {
			t.Errorf("service_name: got %q, want %q", cfg.Telemetry.ServiceName, config.DefaultServiceName)
		}
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for misspelled field, got nil")
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	t.Parallel()
	yaml := `
engines:
  - name: demo
    type: demo-recognizer
    demo:
      time_to_complete: soon
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unparsable duration, got nil")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "mrcpengine.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engines[0].Name != "ps" {
		t.Errorf("engines[0].name: got %q", cfg.Engines[0].Name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load: got %v, want os.ErrNotExist", err)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateEngine(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotCfg config.EngineConfig
	var gotParams engine.Params
	want := &enginemock.Engine{EngineName: "ps"}
	reg.RegisterEngine(config.EngineRecognizer, func(ec config.EngineConfig, p engine.Params) (engine.Engine, error) {
		gotCfg, gotParams = ec, p
		return want, nil
	})

	ec := config.EngineConfig{Name: "ps", Type: config.EngineRecognizer}
	e, err := reg.CreateEngine(ec, engine.Params{Name: "ps"})
	if err != nil {
		t.Fatalf("CreateEngine: %v", err)
	}
	if e != want {
		t.Error("CreateEngine returned a different engine than the factory")
	}
	if gotCfg.Name != "ps" || gotParams.Name != "ps" {
		t.Errorf("factory received cfg=%+v params=%+v", gotCfg, gotParams)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	_, err := reg.CreateEngine(config.EngineConfig{Type: "nope"}, engine.Params{})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateEngine: got %v, want ErrProviderNotRegistered", err)
	}
	_, err = reg.CreateDecoder(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateDecoder: got %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_CreateDecoderPropagatesError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("model missing")
	reg.RegisterDecoder("whisper", func(config.ProviderEntry) (decoder.Provider, error) {
		return nil, boom
	})
	if _, err := reg.CreateDecoder(config.ProviderEntry{Name: "whisper"}); !errors.Is(err, boom) {
		t.Errorf("CreateDecoder: got %v, want %v", err, boom)
	}
}

func TestRegistry_OverwriteAndList(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	first := &decmock.Provider{}
	second := &decmock.Provider{}
	reg.RegisterDecoder("whisper", func(config.ProviderEntry) (decoder.Provider, error) { return first, nil })
	reg.RegisterDecoder("whisper", func(config.ProviderEntry) (decoder.Provider, error) { return second, nil })

	p, err := reg.CreateDecoder(config.ProviderEntry{Name: "whisper"})
	if err != nil {
		t.Fatalf("CreateDecoder: %v", err)
	}
	if p != second {
		t.Error("later registration should overwrite the earlier one")
	}

	noop := func(config.EngineConfig, engine.Params) (engine.Engine, error) { return nil, nil }
	reg.RegisterEngine(config.EngineRecognizer, noop)
	reg.RegisterEngine(config.EngineDemoRecognizer, noop)
	want := []config.EngineType{config.EngineDemoRecognizer, config.EngineRecognizer}
	if got := reg.EngineTypes(); !slices.Equal(got, want) {
		t.Errorf("EngineTypes: got %v, want %v", got, want)
	}
}
