// Package server hosts engines for the protocol layer. A [Host] maps resource
// types to engines, creates channels on them and relays each channel's
// asynchronous outcomes to a [Sink] while keeping per-request spans and
// channel bookkeeping.
//
// The package also provides a WebSocket bridge ([Bridge]) that exposes one
// channel per connection with JSON control frames and binary audio frames.
// The bridge is a development harness; it is not the MRCP wire format.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/mrcpengine/internal/engine"
	"github.com/MrWong99/mrcpengine/internal/observe"
	"github.com/MrWong99/mrcpengine/pkg/audio"
	"github.com/MrWong99/mrcpengine/pkg/mrcp"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoEngine is returned by [Host.CreateChannel] when no engine serves
	// the requested resource.
	ErrNoEngine = errors.New("server: no engine for resource")

	// ErrDuplicateChannel is returned by [Host.CreateChannel] when a channel
	// with the same identifier is still registered.
	ErrDuplicateChannel = errors.New("server: channel already exists")
)

// Sink receives the outcomes of a hosted channel. Its methods are called from
// engine goroutines and must not block for long.
type Sink interface {
	// ChannelOpened reports the result of [Channel.Open].
	ChannelOpened(id mrcp.ChannelID, ok bool)

	// ChannelClosed reports that the channel has released its resources.
	ChannelClosed(id mrcp.ChannelID)

	// Message delivers a response or event.
	Message(msg *mrcp.Message)
}

// Option configures a [Host].
type Option func(*Host)

// WithLogger sets the host logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Host) {
		if m != nil {
			h.metrics = m
		}
	}
}

// Host routes channel creation to the engine serving each resource.
// It is safe for concurrent use.
type Host struct {
	engines map[mrcp.Resource]engine.Engine
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	channels map[mrcp.ChannelID]*Channel
}

// NewHost creates a host for engines. Two engines serving the same resource
// are rejected.
func NewHost(engines []engine.Engine, opts ...Option) (*Host, error) {
	h := &Host{
		engines:  make(map[mrcp.Resource]engine.Engine, len(engines)),
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
		channels: make(map[mrcp.ChannelID]*Channel),
	}
	for _, o := range opts {
		o(h)
	}
	for _, e := range engines {
		res := e.Resource()
		if prev, ok := h.engines[res]; ok {
			return nil, fmt.Errorf("server: resource %q is served by both %q and %q", res, prev.Name(), e.Name())
		}
		h.engines[res] = e
	}
	return h, nil
}

// Engine returns the engine serving res.
func (h *Host) Engine(res mrcp.Resource) (engine.Engine, bool) {
	e, ok := h.engines[res]
	return e, ok
}

// Resources returns the served resource types in sorted order.
func (h *Host) Resources() []mrcp.Resource {
	out := make([]mrcp.Resource, 0, len(h.engines))
	for r := range h.engines {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// Channels returns the number of registered channels.
func (h *Host) Channels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// Lookup returns the registered channel with identifier id.
func (h *Host) Lookup(id mrcp.ChannelID) (*Channel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.channels[id]
	return c, ok
}

// CreateChannel creates an unopened channel on the engine serving
// id.Resource. Outcomes are relayed to sink. The channel stays registered
// until it reports a failed open or a completed close.
func (h *Host) CreateChannel(id mrcp.ChannelID, sink Sink) (*Channel, error) {
	e, ok := h.engines[id.Resource]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoEngine, id.Resource)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.channels[id]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateChannel, id)
	}

	c := &Channel{
		id:    id,
		host:  h,
		sink:  sink,
		log:   engine.ChannelLogger(h.log, e.Name(), id),
		spans: make(map[uint32]trace.Span),
	}
	inner, err := e.NewChannel(id, (*relay)(c))
	if err != nil {
		return nil, fmt.Errorf("server: create channel %s on %q: %w", id, e.Name(), err)
	}
	c.inner = inner
	h.channels[id] = c
	return c, nil
}

func (h *Host) remove(id mrcp.ChannelID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, id)
}

// ─── Channel ─────────────────────────────────────────────────────────────────

// Channel is a hosted engine channel. Each request accepted by Process is
// traced by a span that ends with the request's terminal message.
type Channel struct {
	id    mrcp.ChannelID
	host  *Host
	sink  Sink
	log   *slog.Logger
	inner engine.Channel

	mu    sync.Mutex
	spans map[uint32]trace.Span

	// recognizing is the request id of the RECOGNIZE that answered
	// IN-PROGRESS and has not completed yet.
	recognizing    uint32
	hasRecognition bool
}

// ID returns the channel identifier.
func (c *Channel) ID() mrcp.ChannelID { return c.id }

// Open opens the engine channel.
func (c *Channel) Open() error {
	if err := c.inner.Open(); err != nil {
		return fmt.Errorf("server: open %s: %w", c.id, err)
	}
	return nil
}

// Process submits req to the engine channel. The span started here is a
// child of any span in ctx, and req reaches the engine carrying the span's
// context so engine log lines can be joined with the trace.
func (c *Channel) Process(ctx context.Context, req *mrcp.Message) error {
	spanCtx, span := observe.StartRequestSpan(ctx, c.id.String(), req.RequestID, string(req.Method))
	log := observe.LoggerFrom(spanCtx, c.log)

	c.mu.Lock()
	if prev, ok := c.spans[req.RequestID]; ok {
		prev.SetStatus(codes.Error, "request id reused")
		prev.End()
	}
	c.spans[req.RequestID] = span
	c.mu.Unlock()

	if err := c.inner.Process(req.WithContext(spanCtx)); err != nil {
		log.Warn("request rejected", "method", req.Method, "request_id", req.RequestID, "err", err)
		c.endSpan(req.RequestID, func(s trace.Span) {
			s.RecordError(err)
			s.SetStatus(codes.Error, err.Error())
			s.End()
		})
		return fmt.Errorf("server: process %s %s: %w", c.id, req.Method, err)
	}
	log.Debug("request accepted", "method", req.Method, "request_id", req.RequestID)
	return nil
}

// Close closes the engine channel.
func (c *Channel) Close() error {
	if err := c.inner.Close(); err != nil {
		return fmt.Errorf("server: close %s: %w", c.id, err)
	}
	return nil
}

// Write forwards a frame to the engine channel's audio stream.
func (c *Channel) Write(f audio.Frame) bool {
	return c.inner.Stream().Write(f)
}

// endSpan removes the span of request id and hands it to end.
func (c *Channel) endSpan(id uint32, end func(trace.Span)) {
	c.mu.Lock()
	span, ok := c.spans[id]
	delete(c.spans, id)
	c.mu.Unlock()
	if ok {
		end(span)
	}
}

// endAll ends every open span when the channel goes away.
func (c *Channel) endAll(reason string) {
	c.mu.Lock()
	spans := c.spans
	c.spans = make(map[uint32]trace.Span)
	c.hasRecognition = false
	c.mu.Unlock()
	for _, s := range spans {
		s.SetAttributes(observe.AttrEndedBy.String(reason))
		s.End()
	}
}

// track follows the recognition in progress. It returns the request id of a
// recognition that msg, a successful STOP response, has stopped.
func (c *Channel) track(msg *mrcp.Message) (stopped uint32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case msg.Kind == mrcp.KindResponse && msg.Method == mrcp.MethodRecognize && msg.State == mrcp.StateInProgress:
		c.recognizing, c.hasRecognition = msg.RequestID, true
	case msg.Kind == mrcp.KindResponse && msg.Method == mrcp.MethodStop && msg.Status.IsSuccess():
		// STOP is answered instead of the completion event of the
		// recognition it stopped; an idle STOP stopped nothing.
		if c.hasRecognition {
			c.hasRecognition = false
			return c.recognizing, true
		}
	case msg.IsTerminal() && c.hasRecognition && msg.RequestID == c.recognizing:
		c.hasRecognition = false
	}
	return 0, false
}

// ─── relay ───────────────────────────────────────────────────────────────────

// relay is the engine-facing side of a hosted channel.
type relay Channel

var _ engine.Responder = (*relay)(nil)

func (r *relay) OnOpen(ok bool) {
	c := (*Channel)(r)
	if ok {
		c.log.Debug("channel opened")
	} else {
		c.log.Warn("channel failed to open")
		c.host.remove(c.id)
	}
	c.sink.ChannelOpened(c.id, ok)
}

func (r *relay) OnClose() {
	c := (*Channel)(r)
	c.endAll("close")
	c.host.remove(c.id)
	c.log.Debug("channel closed")
	c.sink.ChannelClosed(c.id)
}

func (r *relay) OnMessage(msg *mrcp.Message) {
	c := (*Channel)(r)
	stopped, hasStopped := c.track(msg)
	if msg.IsTerminal() {
		var cause string
		if cc, ok := msg.CompletionCause(); ok {
			cause = cc.String()
		}
		status := int(msg.Status)
		if msg.Kind == mrcp.KindEvent {
			status = 0
		}
		c.endSpan(msg.RequestID, func(s trace.Span) { observe.EndRequestSpan(s, status, cause) })
	}
	if hasStopped {
		c.endSpan(stopped, func(s trace.Span) {
			s.SetAttributes(observe.AttrEndedBy.String("stop"))
			s.End()
		})
	}
	c.sink.Message(msg)
}
