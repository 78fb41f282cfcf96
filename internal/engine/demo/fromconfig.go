package demo

import (
	"github.com/MrWong99/mrcpengine/internal/config"
	"github.com/MrWong99/mrcpengine/internal/engine"
)

// FromConfig overlays the values set in ec onto [DefaultConfig]. The frame
// time base is shared with the recognizer block.
func FromConfig(ec config.EngineConfig) Config {
	c := DefaultConfig()
	if ec.Demo.TimeToComplete > 0 {
		c.TimeToComplete = ec.Demo.TimeToComplete
	}
	if ec.Demo.ResultFile != "" {
		c.ResultFile = ec.Demo.ResultFile
	}
	if ec.Recognizer.FrameDuration > 0 {
		c.FrameDuration = ec.Recognizer.FrameDuration
	}
	c.RecordUtterances = ec.Demo.RecordUtterances
	return c
}

// Factory is a [config.EngineFactory] for [config.EngineDemoRecognizer].
func Factory(ec config.EngineConfig, p engine.Params) (engine.Engine, error) {
	e, err := New(FromConfig(ec), p)
	if err != nil {
		return nil, err
	}
	return e, nil
}
