// Package recognizer implements a speech recognition engine that runs one
// dedicated worker goroutine per channel.
//
// The worker owns everything that may block or take time: the decoder, the
// grammar store and the activity detector. The channel's public methods only
// hand work to the worker. Requests and close go into a small mailbox guarded
// by a mutex, audio frames into a bounded queue written without blocking.
// The worker always empties the mailbox before it looks at the next frame, so
// a STOP submitted before a frame that would complete the recognition is
// handled first and its response replaces the completion event.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/mrcpengine/internal/engine"
	"github.com/MrWong99/mrcpengine/internal/observe"
	"github.com/MrWong99/mrcpengine/pkg/decoder"
	"github.com/MrWong99/mrcpengine/pkg/mrcp"
)

// Compile-time interface assertion.
var _ engine.Engine = (*Engine)(nil)

// errEngineClosed is reported for channels of an engine that is not open.
var errEngineClosed = errors.New("recognizer: engine not open")

// Engine creates recognizer channels that share one decoder provider.
type Engine struct {
	name     string
	cfg      Config
	dirs     engine.DirLayout
	decoders decoder.Provider
	base     *slog.Logger
	log      *slog.Logger
	metrics  *observe.Metrics

	workers sync.WaitGroup

	mu   sync.Mutex
	open bool
}

// New creates a recognizer engine. p.Decoder is required.
func New(cfg Config, p engine.Params) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if p.Decoder == nil {
		return nil, errors.New("recognizer: decoder provider is required")
	}
	name := p.Name
	if name == "" {
		name = "recognizer"
	}
	return &Engine{
		name:     name,
		cfg:      cfg,
		dirs:     p.Dirs,
		decoders: p.Decoder,
		base:     p.Log(),
		log:      p.Log().With("engine", name),
		metrics:  p.Meter(),
	}, nil
}

// Name implements [engine.Engine].
func (e *Engine) Name() string { return e.name }

// Resource implements [engine.Engine].
func (e *Engine) Resource() mrcp.Resource { return mrcp.ResourceRecognizer }

// Config returns the recognizer properties.
func (e *Engine) Config() Config { return e.cfg }

// Open creates the engine's grammar directory.
func (e *Engine) Open(_ context.Context) error {
	if _, err := e.dirs.EnsureDir(e.name); err != nil {
		return fmt.Errorf("recognizer: open: %w", err)
	}
	e.mu.Lock()
	e.open = true
	e.mu.Unlock()
	e.log.Info("recognizer engine opened", "data_dir", e.dirs.DataFile(e.name))
	return nil
}

// Close waits until every channel worker has exited or ctx is done.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.open = false
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("recognizer engine closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("recognizer: close: %w", ctx.Err())
	}
}

// startWorker runs fn on a channel worker unless the engine is closed.
// Workers are only added under e.mu while open, so none starts once Close
// is waiting.
func (e *Engine) startWorker(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return false
	}
	e.workers.Go(fn)
	return true
}

// NewChannel implements [engine.Engine].
func (e *Engine) NewChannel(id mrcp.ChannelID, rsp engine.Responder) (engine.Channel, error) {
	if rsp == nil {
		return nil, errors.New("recognizer: responder is required")
	}
	if id.Resource != mrcp.ResourceRecognizer {
		return nil, fmt.Errorf("recognizer: unsupported resource %q", id.Resource)
	}
	e.mu.Lock()
	open := e.open
	e.mu.Unlock()
	if !open {
		return nil, errEngineClosed
	}
	return newChannel(e, id, rsp), nil
}
