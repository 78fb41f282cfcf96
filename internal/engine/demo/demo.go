// Package demo implements a scripted recognizer engine built on the shared
// task queue. It performs no speech decoding: a recognition reports
// START-OF-INPUT on the first audio frame and completes successfully once a
// fixed amount of audio has been received, with a result document read from
// the data directory.
//
// All channel requests of one engine are handled by a single consumer
// goroutine. Audio frames are handled inline on the caller's goroutine under
// a short per-channel mutex.
package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/mrcpengine/internal/engine"
	"github.com/MrWong99/mrcpengine/internal/observe"
	"github.com/MrWong99/mrcpengine/internal/taskqueue"
	"github.com/MrWong99/mrcpengine/pkg/audio"
	"github.com/MrWong99/mrcpengine/pkg/mrcp"
)

// Defaults.
const (
	DefaultTimeToComplete = 5000 * time.Millisecond
	DefaultResultFile     = "result.xml"
)

// Config controls the scripted recognition.
type Config struct {
	// TimeToComplete is the amount of audio, counted from START-OF-INPUT,
	// after which the recognition completes.
	TimeToComplete time.Duration

	// FrameDuration is the frame time base.
	FrameDuration time.Duration

	// ResultFile is the result document sent with RECOGNITION-COMPLETE. A
	// relative path is resolved against the data directory. A missing file
	// yields a completion without body.
	ResultFile string

	// RecordUtterances writes the received audio of every channel to
	// utter-<session>.pcm in the engine's data directory.
	RecordUtterances bool
}

// DefaultConfig returns the demo engine defaults.
func DefaultConfig() Config {
	return Config{
		TimeToComplete: DefaultTimeToComplete,
		FrameDuration:  audio.DefaultFrameDuration,
		ResultFile:     DefaultResultFile,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.TimeToComplete < 0 {
		errs = append(errs, fmt.Errorf("demo: time_to_complete must not be negative, got %s", c.TimeToComplete))
	}
	if c.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("demo: frame_duration must be positive, got %s", c.FrameDuration))
	}
	return errors.Join(errs...)
}

// Compile-time interface assertion.
var _ engine.Engine = (*Engine)(nil)

// Engine is the demo recognizer engine.
type Engine struct {
	name    string
	cfg     Config
	dirs    engine.DirLayout
	base    *slog.Logger
	log     *slog.Logger
	metrics *observe.Metrics
	queue   *taskqueue.Queue[*Channel]
}

// New creates a demo engine. The decoder in p is not used.
func New(cfg Config, p engine.Params) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := p.Name
	if name == "" {
		name = "demo"
	}
	e := &Engine{
		name:    name,
		cfg:     cfg,
		dirs:    p.Dirs,
		base:    p.Log(),
		log:     p.Log().With("engine", name),
		metrics: p.Meter(),
	}
	e.queue = taskqueue.New(e.handle, e.log)
	return e, nil
}

// Name implements [engine.Engine].
func (e *Engine) Name() string { return e.name }

// Resource implements [engine.Engine].
func (e *Engine) Resource() mrcp.Resource { return mrcp.ResourceRecognizer }

// Open starts the task queue consumer.
func (e *Engine) Open(_ context.Context) error {
	if e.cfg.RecordUtterances {
		if _, err := e.dirs.EnsureDir(e.name); err != nil {
			return fmt.Errorf("demo: open: %w", err)
		}
	}
	e.queue.Start()
	e.log.Info("demo engine opened")
	return nil
}

// Close drains the task queue and stops its consumer.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.queue.Stop()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("demo engine closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("demo: close: %w", ctx.Err())
	}
}

// NewChannel implements [engine.Engine].
func (e *Engine) NewChannel(id mrcp.ChannelID, rsp engine.Responder) (engine.Channel, error) {
	if rsp == nil {
		return nil, errors.New("demo: responder is required")
	}
	if id.Resource != mrcp.ResourceRecognizer {
		return nil, fmt.Errorf("demo: unsupported resource %q", id.Resource)
	}
	return &Channel{
		e:   e,
		id:  id,
		rsp: rsp,
		log: engine.ChannelLogger(e.base, e.name, id),
	}, nil
}

func (e *Engine) handle(msg taskqueue.Message[*Channel]) {
	c := msg.Channel
	switch msg.Kind {
	case taskqueue.OpenChannel:
		c.open()
	case taskqueue.CloseChannel:
		c.close()
	case taskqueue.ProcessRequest:
		c.dispatch(msg.Request)
	}
}

// resultBody reads the configured result document. A missing file is not an
// error.
func (e *Engine) resultBody() ([]byte, error) {
	if e.cfg.ResultFile == "" {
		return nil, nil
	}
	path := e.cfg.ResultFile
	if !filepath.IsAbs(path) {
		path = e.dirs.DataFile(path)
	}
	body, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("demo: read result: %w", err)
	}
	return body, nil
}

func (e *Engine) recordingPath(id mrcp.ChannelID) string {
	return e.dirs.DataFile(e.name, "utter-"+engine.SafeName(id.SessionID)+".pcm")
}
