// Package config provides the configuration schema, loader, and engine
// registry for the MRCP engine server.
package config

import (
	"time"

	"github.com/MrWong99/mrcpengine/pkg/mrcp"
)

// LogLevel controls log verbosity for the engine server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// EngineType selects the engine implementation registered in the [Registry].
type EngineType string

const (
	// EngineRecognizer is the decoder-backed recognizer with one worker per
	// channel.
	EngineRecognizer EngineType = "recognizer"

	// EngineDemoRecognizer is the scripted recognizer on the shared task
	// queue.
	EngineDemoRecognizer EngineType = "demo-recognizer"
)

// Default values applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr  = ":8060"
	DefaultDataDir     = "data"
	DefaultServiceName = "mrcpengine"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engines   []EngineConfig  `yaml:"engines"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network, logging and storage settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8060").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// DataDir is the root directory for grammars, result documents and
	// recordings. Each engine uses a sub-directory named after it.
	DataDir string `yaml:"data_dir"`
}

// TelemetryConfig configures OpenTelemetry resources.
type TelemetryConfig struct {
	// ServiceName is reported as service.name.
	ServiceName string `yaml:"service_name"`
}

// EngineConfig describes one engine instance.
type EngineConfig struct {
	// Name identifies the engine in logs, metrics and its data sub-directory.
	// Must be unique.
	Name string `yaml:"name"`

	// Type selects the registered engine factory.
	Type EngineType `yaml:"type"`

	// Resource is the resource type the engine serves. Defaults to
	// speechrecog.
	Resource mrcp.Resource `yaml:"resource"`

	// Decoder selects the speech decoder provider. Required for the
	// recognizer type.
	Decoder ProviderEntry `yaml:"decoder"`

	// Recognizer holds recognizer timing properties.
	Recognizer RecognizerConfig `yaml:"recognizer"`

	// Detector holds voice activity detection properties.
	Detector DetectorConfig `yaml:"detector"`

	// Demo holds settings of the demo-recognizer type.
	Demo DemoConfig `yaml:"demo"`
}

// ProviderEntry is the configuration block of a decoder provider. The Name
// field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "whisper").
	Name string `yaml:"name"`

	// Model is the provider's model reference, e.g. a model file path.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// RecognizerConfig holds recognizer properties. Unset values fall back to
// the engine defaults. Timeouts are pointers so that an explicit zero, which
// disables the timeout, can be told apart from an unset value.
type RecognizerConfig struct {
	SampleRate            int            `yaml:"sample_rate"`
	FrameDuration         time.Duration  `yaml:"frame_duration"`
	NoInputTimeout        *time.Duration `yaml:"no_input_timeout"`
	RecognitionTimeout    *time.Duration `yaml:"recognition_timeout"`
	PartialResultInterval *time.Duration `yaml:"partial_result_interval"`
	DrainTimeout          *time.Duration `yaml:"drain_timeout"`
	FrameQueueSize        int            `yaml:"frame_queue_size"`
	Language              string         `yaml:"language"`
}

// DetectorConfig holds voice activity detection properties.
type DetectorConfig struct {
	LevelThreshold *int          `yaml:"level_threshold"`
	SpeechTimeout  time.Duration `yaml:"speech_timeout"`
	SilenceTimeout time.Duration `yaml:"silence_timeout"`
}

// DemoConfig holds settings of the demo-recognizer engine.
type DemoConfig struct {
	TimeToComplete   time.Duration `yaml:"time_to_complete"`
	ResultFile       string        `yaml:"result_file"`
	RecordUtterances bool          `yaml:"record_utterances"`
}

// ApplyDefaults fills unset server, telemetry and resource values.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = DefaultDataDir
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
	for i := range c.Engines {
		if c.Engines[i].Resource == "" {
			c.Engines[i].Resource = mrcp.ResourceRecognizer
		}
	}
}
