package recognizer

import (
	"github.com/MrWong99/mrcpengine/internal/config"
	"github.com/MrWong99/mrcpengine/internal/engine"
)

// FromConfig overlays the values set in ec onto [DefaultConfig].
func FromConfig(ec config.EngineConfig) Config {
	c := DefaultConfig()
	rc := ec.Recognizer
	if rc.SampleRate > 0 {
		c.SampleRate = rc.SampleRate
	}
	if rc.FrameDuration > 0 {
		c.FrameDuration = rc.FrameDuration
	}
	if rc.FrameQueueSize > 0 {
		c.FrameQueueSize = rc.FrameQueueSize
	}
	if rc.NoInputTimeout != nil {
		c.NoInputTimeout = *rc.NoInputTimeout
	}
	if rc.RecognitionTimeout != nil {
		c.RecognitionTimeout = *rc.RecognitionTimeout
	}
	if rc.PartialResultInterval != nil {
		c.PartialResultInterval = *rc.PartialResultInterval
	}
	if rc.DrainTimeout != nil {
		c.DrainTimeout = *rc.DrainTimeout
	}
	c.Language = rc.Language

	dc := ec.Detector
	if dc.LevelThreshold != nil {
		c.Detector.LevelThreshold = *dc.LevelThreshold
	}
	if dc.SpeechTimeout > 0 {
		c.Detector.SpeechTimeout = dc.SpeechTimeout
	}
	if dc.SilenceTimeout > 0 {
		c.Detector.SilenceTimeout = dc.SilenceTimeout
	}
	return c
}

// Factory is a [config.EngineFactory] for [config.EngineRecognizer].
func Factory(ec config.EngineConfig, p engine.Params) (engine.Engine, error) {
	e, err := New(FromConfig(ec), p)
	if err != nil {
		return nil, err
	}
	return e, nil
}
