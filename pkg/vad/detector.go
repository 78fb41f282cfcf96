// Package vad provides an energy-based voice activity detector that classifies
// a stream of fixed-cadence audio frames into activity, inactivity and
// no-input verdicts.
//
// A [Detector] is not safe for concurrent use. It is owned by the goroutine
// that feeds it frames.
package vad

import (
	"time"

	"github.com/MrWong99/mrcpengine/pkg/audio"
)

// Event is the verdict the detector emits for a frame. At most one non-None
// event is produced per frame.
type Event int

const (
	// EventNone means nothing changed on this frame.
	EventNone Event = iota

	// EventActivity is emitted once the frame energy has stayed above the
	// threshold for SpeechTimeout. It marks the start of the utterance.
	EventActivity

	// EventInactivity is emitted once silence has persisted for
	// SilenceTimeout after activity.
	EventInactivity

	// EventNoInput is emitted once when NoInputTimeout elapses without any
	// activity ever being observed since the last reset.
	EventNoInput
)

// String returns a short name for the event.
func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventActivity:
		return "activity"
	case EventInactivity:
		return "inactivity"
	case EventNoInput:
		return "no-input"
	default:
		return "unknown"
	}
}

// Default detector parameters.
const (
	DefaultLevelThreshold = 50
	DefaultSilenceTimeout = 300 * time.Millisecond
	DefaultNoInputTimeout = 5000 * time.Millisecond
)

// Config parameterises a [Detector]. Zero durations are valid: a zero
// SpeechTimeout reports activity on the first frame above the threshold, a
// zero NoInputTimeout disables the no-input verdict.
type Config struct {
	// LevelThreshold is the mean absolute sample value at or above which a
	// frame counts as speech.
	LevelThreshold int

	// SpeechTimeout is how long energy must stay above the threshold before
	// activity is reported.
	SpeechTimeout time.Duration

	// SilenceTimeout is how long energy must stay below the threshold after
	// activity before inactivity is reported.
	SilenceTimeout time.Duration

	// NoInputTimeout is how long the detector waits for any activity.
	NoInputTimeout time.Duration

	// FrameDuration is the frame time base. Defaults to
	// [audio.DefaultFrameDuration].
	FrameDuration time.Duration
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		LevelThreshold: DefaultLevelThreshold,
		SilenceTimeout: DefaultSilenceTimeout,
		NoInputTimeout: DefaultNoInputTimeout,
		FrameDuration:  audio.DefaultFrameDuration,
	}
}

type state int

const (
	stateInactivity state = iota
	stateActivityTransition
	stateActivity
	stateInactivityTransition
)

// Detector tracks the running classification of a frame stream.
type Detector struct {
	cfg Config

	state        state
	duration     time.Duration // time spent in the current transition
	elapsed      time.Duration // time since the last Reset
	seenActivity bool
	noInputSent  bool
}

// New creates a Detector. A zero FrameDuration falls back to the default
// frame time base.
func New(cfg Config) *Detector {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = audio.DefaultFrameDuration
	}
	return &Detector{cfg: cfg}
}

// Config returns the detector configuration in effect.
func (d *Detector) Config() Config {
	return d.cfg
}

// Reset returns the detector to its initial inactive state and clears all
// counters. Called at the start of every recognition.
func (d *Detector) Reset() {
	d.state = stateInactivity
	d.duration = 0
	d.elapsed = 0
	d.seenActivity = false
	d.noInputSent = false
}

// Level returns the energy of f as used for classification. Frames without
// audio have level 0.
func Level(f audio.Frame) int {
	if !f.Type.Has(audio.FrameAudio) {
		return 0
	}
	return audio.MeanAbs(f.Samples())
}

// Process classifies one frame and returns the resulting verdict.
func (d *Detector) Process(f audio.Frame) Event {
	step := d.cfg.FrameDuration
	d.elapsed += step
	speech := Level(f) >= d.cfg.LevelThreshold

	switch d.state {
	case stateInactivity:
		if speech {
			d.state = stateActivityTransition
			d.duration = step
			if d.duration >= d.cfg.SpeechTimeout {
				return d.activity()
			}
			return EventNone
		}
	case stateActivityTransition:
		if speech {
			d.duration += step
			if d.duration >= d.cfg.SpeechTimeout {
				return d.activity()
			}
			return EventNone
		}
		d.state = stateInactivity
		d.duration = 0
	case stateActivity:
		if !speech {
			d.state = stateInactivityTransition
			d.duration = step
			if d.duration >= d.cfg.SilenceTimeout {
				return d.inactivity()
			}
		}
		return EventNone
	case stateInactivityTransition:
		if speech {
			d.state = stateActivity
			d.duration = 0
			return EventNone
		}
		d.duration += step
		if d.duration >= d.cfg.SilenceTimeout {
			return d.inactivity()
		}
		return EventNone
	}

	if !d.seenActivity && !d.noInputSent && d.cfg.NoInputTimeout > 0 && d.elapsed >= d.cfg.NoInputTimeout {
		d.noInputSent = true
		return EventNoInput
	}
	return EventNone
}

func (d *Detector) activity() Event {
	d.state = stateActivity
	d.duration = 0
	d.seenActivity = true
	return EventActivity
}

func (d *Detector) inactivity() Event {
	d.state = stateInactivity
	d.duration = 0
	return EventInactivity
}
