package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/MrWong99/mrcpengine/internal/engine"
	"github.com/MrWong99/mrcpengine/pkg/mrcp"
	"gopkg.in/yaml.v3"
)

// ValidEngineTypes lists the engine types built into the server. Used by
// [Validate] to warn about unrecognised types.
var ValidEngineTypes = []EngineType{EngineRecognizer, EngineDemoRecognizer}

// ValidDecoderNames lists the decoder providers built into the server.
var ValidDecoderNames = []string{"whisper"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if len(cfg.Engines) == 0 {
		slog.Warn("no engines configured; every channel request will be refused")
	}

	names := make(map[string]int, len(cfg.Engines))
	resources := make(map[mrcp.Resource]int, len(cfg.Engines))

	for i, ec := range cfg.Engines {
		prefix := fmt.Sprintf("engines[%d]", i)

		switch {
		case ec.Name == "":
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		case engine.SafeName(ec.Name) != ec.Name:
			errs = append(errs, fmt.Errorf("%s.name %q may only contain letters, digits, '-', '_', '.' and '@'", prefix, ec.Name))
		default:
			if prev, ok := names[ec.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of engines[%d]", prefix, ec.Name, prev))
			}
			names[ec.Name] = i
		}

		if ec.Type == "" {
			errs = append(errs, fmt.Errorf("%s.type is required", prefix))
		} else if !slices.Contains(ValidEngineTypes, ec.Type) {
			slog.Warn("unknown engine type; it must be registered before startup",
				"engine", ec.Name,
				"type", ec.Type,
				"known", ValidEngineTypes,
			)
		}

		if ec.Resource != "" && ec.Resource != mrcp.ResourceRecognizer {
			errs = append(errs, fmt.Errorf("%s.resource %q is not supported; valid values: %s", prefix, ec.Resource, mrcp.ResourceRecognizer))
		}
		if prev, ok := resources[ec.Resource]; ok {
			errs = append(errs, fmt.Errorf("%s.resource %q is already served by engines[%d]", prefix, ec.Resource, prev))
		}
		resources[ec.Resource] = i

		if ec.Type == EngineRecognizer {
			if ec.Decoder.Name == "" {
				errs = append(errs, fmt.Errorf("%s.decoder.name is required for type %q", prefix, ec.Type))
			} else {
				validateDecoderName(ec.Decoder.Name)
			}
		}

		errs = append(errs, validateRecognizer(prefix+".recognizer", ec.Recognizer)...)
		errs = append(errs, validateDetector(prefix+".detector", ec.Detector)...)
		if ec.Demo.TimeToComplete < 0 {
			errs = append(errs, fmt.Errorf("%s.demo.time_to_complete must not be negative", prefix))
		}
	}

	return errors.Join(errs...)
}

func validateRecognizer(prefix string, rc RecognizerConfig) []error {
	var errs []error
	if rc.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("%s.sample_rate must not be negative", prefix))
	}
	if rc.FrameDuration < 0 {
		errs = append(errs, fmt.Errorf("%s.frame_duration must not be negative", prefix))
	}
	if rc.FrameQueueSize < 0 {
		errs = append(errs, fmt.Errorf("%s.frame_queue_size must not be negative", prefix))
	}
	for name, d := range map[string]*time.Duration{
		"no_input_timeout":        rc.NoInputTimeout,
		"recognition_timeout":     rc.RecognitionTimeout,
		"partial_result_interval": rc.PartialResultInterval,
		"drain_timeout":           rc.DrainTimeout,
	} {
		if d != nil && *d < 0 {
			errs = append(errs, fmt.Errorf("%s.%s must not be negative", prefix, name))
		}
	}
	return errs
}

func validateDetector(prefix string, dc DetectorConfig) []error {
	var errs []error
	if dc.LevelThreshold != nil && *dc.LevelThreshold < 0 {
		errs = append(errs, fmt.Errorf("%s.level_threshold must not be negative", prefix))
	}
	if dc.SpeechTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s.speech_timeout must not be negative", prefix))
	}
	if dc.SilenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s.silence_timeout must not be negative", prefix))
	}
	return errs
}

// validateDecoderName logs a warning if name is not a built-in decoder.
func validateDecoderName(name string) {
	if slices.Contains(ValidDecoderNames, name) {
		return
	}
	slog.Warn("unknown decoder name; may be a typo or third-party provider",
		"name", name,
		"known", ValidDecoderNames,
	)
}
