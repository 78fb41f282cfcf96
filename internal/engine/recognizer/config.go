package recognizer

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/mrcpengine/pkg/audio"
	"github.com/MrWong99/mrcpengine/pkg/vad"
)

// Default recognizer properties.
const (
	DefaultSampleRate            = 8000
	DefaultNoInputTimeout        = 5000 * time.Millisecond
	DefaultRecognitionTimeout    = 15000 * time.Millisecond
	DefaultPartialResultInterval = 100 * time.Millisecond
	DefaultFrameQueueSize        = 256
	DefaultDrainTimeout          = time.Second
)

// Config holds the recognizer properties applied to every channel of an
// engine. All durations are measured in frame time: each frame advances the
// elapsed counters by FrameDuration, and a timeout fires on the first frame
// at which the elapsed time reaches or exceeds it.
type Config struct {
	// SampleRate is the PCM sample rate of the audio stream in Hz.
	SampleRate int

	// FrameDuration is the frame time base.
	FrameDuration time.Duration

	// NoInputTimeout completes a recognition with no-input-timeout when no
	// speech was detected within it. Zero disables it.
	NoInputTimeout time.Duration

	// RecognitionTimeout completes a recognition with recognition-timeout
	// regardless of detector state. Zero disables it.
	RecognitionTimeout time.Duration

	// PartialResultInterval is how often the decoder is asked for a partial
	// hypothesis. Zero disables partial results.
	PartialResultInterval time.Duration

	// FrameQueueSize is the capacity of the per-channel frame queue. Frames
	// written while it is full are dropped.
	FrameQueueSize int

	// DrainTimeout bounds how long a pending STOP or close waits for the next
	// audio frame before the recognition is completed anyway.
	DrainTimeout time.Duration

	// Language is passed to the decoder as a language hint.
	Language string

	// Detector configures voice activity detection. Its NoInputTimeout and
	// FrameDuration are taken from the fields above.
	Detector vad.Config
}

// DefaultConfig returns the default recognizer properties.
func DefaultConfig() Config {
	return Config{
		SampleRate:            DefaultSampleRate,
		FrameDuration:         audio.DefaultFrameDuration,
		NoInputTimeout:        DefaultNoInputTimeout,
		RecognitionTimeout:    DefaultRecognitionTimeout,
		PartialResultInterval: DefaultPartialResultInterval,
		FrameQueueSize:        DefaultFrameQueueSize,
		DrainTimeout:          DefaultDrainTimeout,
		Detector:              vad.DefaultConfig(),
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("recognizer: sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("recognizer: frame_duration must be positive, got %s", c.FrameDuration))
	}
	if c.FrameQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("recognizer: frame_queue_size must be positive, got %d", c.FrameQueueSize))
	}
	for name, d := range map[string]time.Duration{
		"no_input_timeout":        c.NoInputTimeout,
		"recognition_timeout":     c.RecognitionTimeout,
		"partial_result_interval": c.PartialResultInterval,
		"drain_timeout":           c.DrainTimeout,
		"speech_timeout":          c.Detector.SpeechTimeout,
		"silence_timeout":         c.Detector.SilenceTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("recognizer: %s must not be negative, got %s", name, d))
		}
	}
	if c.Detector.LevelThreshold < 0 {
		errs = append(errs, fmt.Errorf("recognizer: level_threshold must not be negative, got %d", c.Detector.LevelThreshold))
	}
	return errors.Join(errs...)
}

// detectorConfig returns the detector settings with the shared time base and
// no-input ceiling filled in.
func (c Config) detectorConfig() vad.Config {
	d := c.Detector
	d.FrameDuration = c.FrameDuration
	d.NoInputTimeout = c.NoInputTimeout
	return d
}
