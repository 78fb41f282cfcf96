// Package mock provides in-memory test doubles for the [engine] contracts.
//
// Responder records every callback and lets tests block until the engine has
// produced the expected number of messages. Engine and Channel are scripted
// engine implementations for exercising the server host without a real
// recognizer.
//
// All types are safe for concurrent use.
//
// Example:
//
//	rsp := &mock.Responder{}
//	ch, _ := eng.NewChannel(id, rsp)
//	_ = ch.Open()
//	ok, _ := rsp.WaitOpen(time.Second)
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/mrcpengine/internal/engine"
	"github.com/MrWong99/mrcpengine/pkg/audio"
	"github.com/MrWong99/mrcpengine/pkg/mrcp"
)

// Compile-time interface assertions.
var (
	_ engine.Responder = (*Responder)(nil)
	_ engine.Engine    = (*Engine)(nil)
	_ engine.Channel   = (*Channel)(nil)
)

// ─── Responder ───────────────────────────────────────────────────────────────

// Responder is a recording implementation of [engine.Responder].
type Responder struct {
	mu sync.Mutex

	// OpenResults records every OnOpen argument.
	OpenResults []bool

	// CloseCount is the number of OnClose calls.
	CloseCount int

	// Messages records every message passed to OnMessage, in order.
	Messages []*mrcp.Message

	changed chan struct{}
}

// OnOpen implements [engine.Responder].
func (r *Responder) OnOpen(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.OpenResults = append(r.OpenResults, ok)
	r.broadcastLocked()
}

// OnClose implements [engine.Responder].
func (r *Responder) OnClose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CloseCount++
	r.broadcastLocked()
}

// OnMessage implements [engine.Responder].
func (r *Responder) OnMessage(msg *mrcp.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, msg)
	r.broadcastLocked()
}

// Snapshot returns a copy of the recorded messages.
func (r *Responder) Snapshot() []*mrcp.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.Messages)
}

// Closed returns the number of OnClose calls.
func (r *Responder) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.CloseCount
}

// WaitMessages blocks until at least n messages were recorded or timeout
// elapses. It returns the recorded messages and whether n was reached.
func (r *Responder) WaitMessages(n int, timeout time.Duration) ([]*mrcp.Message, bool) {
	ok := r.wait(timeout, func() bool { return len(r.Messages) >= n })
	return r.Snapshot(), ok
}

// WaitOpen blocks until OnOpen was called or timeout elapses. It returns the
// first OnOpen result and whether the call happened.
func (r *Responder) WaitOpen(timeout time.Duration) (result, called bool) {
	if !r.wait(timeout, func() bool { return len(r.OpenResults) > 0 }) {
		return false, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.OpenResults[0], true
}

// WaitClose blocks until OnClose was called or timeout elapses.
func (r *Responder) WaitClose(timeout time.Duration) bool {
	return r.wait(timeout, func() bool { return r.CloseCount > 0 })
}

func (r *Responder) wait(timeout time.Duration, cond func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		if cond() {
			r.mu.Unlock()
			return true
		}
		if r.changed == nil {
			r.changed = make(chan struct{})
		}
		ch := r.changed
		r.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return false
		}
	}
}

func (r *Responder) broadcastLocked() {
	if r.changed != nil {
		close(r.changed)
		r.changed = nil
	}
}

// ─── Engine ──────────────────────────────────────────────────────────────────

// Engine is a scripted implementation of [engine.Engine]. Channels it creates
// open successfully and answer every request with 200 COMPLETE unless
// configured otherwise.
type Engine struct {
	mu sync.Mutex

	// EngineName is returned by Name. Defaults to "mock".
	EngineName string

	// EngineResource is returned by Resource. Defaults to speechrecog.
	EngineResource mrcp.Resource

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// NewChannelErr, if non-nil, is returned by NewChannel.
	NewChannelErr error

	// FailOpen makes created channels report OnOpen(false).
	FailOpen bool

	// Status is the status every channel response carries. Zero means 200.
	Status mrcp.StatusCode

	// OpenCount and CloseCount record engine lifecycle calls.
	OpenCount  int
	CloseCount int

	// Channels records every channel created, in order.
	Channels []*Channel
}

// Name implements [engine.Engine].
func (e *Engine) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.EngineName == "" {
		return "mock"
	}
	return e.EngineName
}

// Resource implements [engine.Engine].
func (e *Engine) Resource() mrcp.Resource {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.EngineResource == "" {
		return mrcp.ResourceRecognizer
	}
	return e.EngineResource
}

// Open implements [engine.Engine].
func (e *Engine) Open(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.OpenCount++
	return e.OpenErr
}

// Close implements [engine.Engine].
func (e *Engine) Close(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCount++
	return e.CloseErr
}

// NewChannel implements [engine.Engine].
func (e *Engine) NewChannel(id mrcp.ChannelID, rsp engine.Responder) (engine.Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.NewChannelErr != nil {
		return nil, e.NewChannelErr
	}
	status := e.Status
	if status == 0 {
		status = mrcp.StatusSuccess
	}
	ch := &Channel{id: id, rsp: rsp, failOpen: e.FailOpen, status: status}
	e.Channels = append(e.Channels, ch)
	return ch, nil
}

// Created returns a copy of the created channels.
func (e *Engine) Created() []*Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.Channels)
}

// ─── Channel ─────────────────────────────────────────────────────────────────

// Channel is the [engine.Channel] created by [Engine]. It answers
// synchronously from the calling goroutine.
type Channel struct {
	mu sync.Mutex

	id       mrcp.ChannelID
	rsp      engine.Responder
	failOpen bool
	status   mrcp.StatusCode
	open     bool

	requests []*mrcp.Message
	frames   int
}

// ID implements [engine.Channel].
func (c *Channel) ID() mrcp.ChannelID { return c.id }

// Open implements [engine.Channel].
func (c *Channel) Open() error {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return engine.ErrChannelAlreadyOpen
	}
	c.open = !c.failOpen
	ok := c.open
	c.mu.Unlock()
	c.rsp.OnOpen(ok)
	return nil
}

// Process implements [engine.Channel].
func (c *Channel) Process(req *mrcp.Message) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return engine.ErrChannelNotOpen
	}
	c.requests = append(c.requests, req)
	status := c.status
	c.mu.Unlock()

	resp := mrcp.NewResponse(req)
	resp.Status = status
	c.rsp.OnMessage(resp)
	return nil
}

// Close implements [engine.Channel].
func (c *Channel) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return engine.ErrChannelNotOpen
	}
	c.open = false
	c.mu.Unlock()
	c.rsp.OnClose()
	return nil
}

// Stream implements [engine.Channel].
func (c *Channel) Stream() engine.AudioStream { return c }

// Write implements [engine.AudioStream] by counting frames.
func (c *Channel) Write(_ audio.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames++
	return c.open
}

// Requests returns a copy of the processed requests.
func (c *Channel) Requests() []*mrcp.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.requests)
}

// Frames returns the number of frames written.
func (c *Channel) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}
