package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/mrcpengine/internal/engine"
	"github.com/MrWong99/mrcpengine/pkg/audio"
	"github.com/MrWong99/mrcpengine/pkg/mrcp"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Bridge defaults.
const (
	DefaultCloseTimeout = 5 * time.Second
	DefaultReadLimit    = 1 << 20
)

// Control frame types. Client frames are "open", "request" and "close";
// server frames are "opened", "response", "event", "closed" and "error".
const (
	FrameOpen     = "open"
	FrameRequest  = "request"
	FrameClose    = "close"
	FrameOpened   = "opened"
	FrameResponse = "response"
	FrameEvent    = "event"
	FrameClosed   = "closed"
	FrameError    = "error"
)

// ControlFrame is the JSON text frame exchanged over the bridge. Binary
// frames carry 16-bit little-endian PCM audio; an empty binary frame is a
// frame without audio.
type ControlFrame struct {
	Type string `json:"type"`

	// open
	SessionID string `json:"session_id,omitempty"`
	Resource  string `json:"resource,omitempty"`

	// opened
	ChannelID string `json:"channel_id,omitempty"`
	OK        *bool  `json:"ok,omitempty"`

	// request, response, event
	RequestID       uint32 `json:"request_id,omitempty"`
	Method          string `json:"method,omitempty"`
	Event           string `json:"event,omitempty"`
	State           string `json:"state,omitempty"`
	Status          int    `json:"status,omitempty"`
	CompletionCause string `json:"completion_cause,omitempty"`
	ContentType     string `json:"content_type,omitempty"`
	ContentID       string `json:"content_id,omitempty"`
	Body            string `json:"body,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// BridgeOption configures a [Bridge].
type BridgeOption func(*Bridge)

// WithOriginPatterns sets the origins allowed to connect, in addition to the
// request's own host.
func WithOriginPatterns(patterns ...string) BridgeOption {
	return func(b *Bridge) { b.accept.OriginPatterns = patterns }
}

// WithCloseTimeout bounds how long a dropped connection waits for its
// channel to close. Non-positive values are ignored.
func WithCloseTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.closeTimeout = d
		}
	}
}

// Bridge serves one hosted channel per WebSocket connection.
type Bridge struct {
	host         *Host
	log          *slog.Logger
	accept       websocket.AcceptOptions
	closeTimeout time.Duration
	readLimit    int64
}

// NewBridge creates a bridge onto h.
func NewBridge(h *Host, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		host:         h,
		log:          h.log.With("component", "bridge"),
		closeTimeout: DefaultCloseTimeout,
		readLimit:    DefaultReadLimit,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Register adds the /ws route to mux.
func (b *Bridge) Register(mux *http.ServeMux) {
	mux.Handle("GET /ws", b)
}

// ServeHTTP upgrades the request and runs the connection until the channel
// is closed or the peer goes away.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &b.accept)
	if err != nil {
		b.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(b.readLimit)

	ctx := context.WithoutCancel(r.Context())
	b.host.metrics.BridgeConnections.Add(ctx, 1)
	defer b.host.metrics.BridgeConnections.Add(ctx, -1)

	c := &bridgeConn{
		b:      b,
		conn:   conn,
		log:    b.log.With("remote", r.RemoteAddr),
		wake:   make(chan struct{}, 1),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.run(r.Context())
}

// ─── connection ──────────────────────────────────────────────────────────────

// bridgeConn is one WebSocket connection. It is the [Sink] of its channel.
type bridgeConn struct {
	b    *Bridge
	conn *websocket.Conn
	log  *slog.Logger
	ch   *Channel

	mu   sync.Mutex
	out  []ControlFrame
	wake chan struct{}

	opened     chan struct{} // closed on ChannelOpened
	openedOnce sync.Once
	done       chan struct{} // closed once the channel is gone
	doneOnce   sync.Once
}

var _ Sink = (*bridgeConn)(nil)

func (c *bridgeConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return c.writeLoop(ctx) })

	if err := c.readLoop(ctx); err != nil && !isClosure(err) {
		c.log.Debug("bridge read ended", "err", err)
	}
	c.shutdown()
	cancel()
	if err := g.Wait(); err != nil && !isClosure(err) && !errors.Is(err, context.Canceled) {
		c.log.Debug("bridge write ended", "err", err)
	}
}

func (c *bridgeConn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			c.writeAudio(data)
			continue
		}
		var f ControlFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.push(ControlFrame{Type: FrameError, Error: "invalid control frame: " + err.Error()})
			continue
		}
		c.control(ctx, f)
	}
}

func (c *bridgeConn) control(ctx context.Context, f ControlFrame) {
	switch f.Type {
	case FrameOpen:
		if c.ch != nil {
			c.push(ControlFrame{Type: FrameError, Error: "channel already created"})
			return
		}
		id := mrcp.ChannelID{SessionID: f.SessionID, Resource: mrcp.Resource(f.Resource)}
		if id.SessionID == "" {
			id.SessionID = uuid.NewString()
		}
		if id.Resource == "" {
			id.Resource = mrcp.ResourceRecognizer
		}
		ch, err := c.b.host.CreateChannel(id, c)
		if err != nil {
			c.push(ControlFrame{Type: FrameError, Error: err.Error()})
			return
		}
		c.ch = ch
		c.log = c.log.With("channel_id", id.String())
		if err := ch.Open(); err != nil {
			c.push(ControlFrame{Type: FrameError, Error: err.Error()})
		}

	case FrameRequest:
		if c.ch == nil {
			c.push(ControlFrame{Type: FrameError, RequestID: f.RequestID, Error: "no channel"})
			return
		}
		req := mrcp.NewRequest(c.ch.ID(), f.RequestID, mrcp.Method(f.Method))
		req.Header = mrcp.Header{ContentType: f.ContentType, ContentID: f.ContentID}
		if f.Body != "" {
			req.Body = []byte(f.Body)
		}
		if err := c.ch.Process(ctx, req); err != nil {
			c.push(ControlFrame{Type: FrameError, RequestID: f.RequestID, Method: f.Method, Error: err.Error()})
		}

	case FrameClose:
		if c.ch == nil {
			c.push(ControlFrame{Type: FrameError, Error: "no channel"})
			return
		}
		if err := c.ch.Close(); err != nil {
			c.push(ControlFrame{Type: FrameError, Error: err.Error()})
		}

	default:
		c.push(ControlFrame{Type: FrameError, Error: "unknown frame type " + f.Type})
	}
}

func (c *bridgeConn) writeAudio(data []byte) {
	if c.ch == nil {
		return
	}
	f := audio.Frame{Type: audio.FrameNone}
	if len(data) > 0 {
		f = audio.Frame{Type: audio.FrameAudio, Data: data}
	}
	c.ch.Write(f)
}

// shutdown closes a still-live channel after the peer went away and waits,
// bounded by the close timeout, for the engine to release it.
func (c *bridgeConn) shutdown() {
	if c.ch == nil {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	timer := time.NewTimer(c.b.closeTimeout)
	defer timer.Stop()

	select {
	case <-c.opened:
	case <-c.done:
		return
	case <-timer.C:
		c.log.Warn("channel did not open before disconnect")
		return
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, engine.ErrChannelNotOpen) {
		c.log.Warn("close on disconnect failed", "err", err)
	}
	select {
	case <-c.done:
	case <-timer.C:
		c.log.Warn("channel did not close before timeout", "timeout", c.b.closeTimeout)
	}
}

// writeLoop sends queued frames in order. Once the channel is gone and the
// queue is flushed it closes the connection, which ends readLoop.
func (c *bridgeConn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		case <-c.done:
		}

		c.mu.Lock()
		batch := c.out
		c.out = nil
		c.mu.Unlock()

		for _, f := range batch {
			data, err := json.Marshal(f)
			if err != nil {
				return err
			}
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return err
			}
		}

		select {
		case <-c.done:
			c.mu.Lock()
			empty := len(c.out) == 0
			c.mu.Unlock()
			if empty {
				return c.conn.Close(websocket.StatusNormalClosure, "channel closed")
			}
		default:
		}
	}
}

func (c *bridgeConn) push(f ControlFrame) {
	c.mu.Lock()
	c.out = append(c.out, f)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *bridgeConn) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// ChannelOpened implements [Sink].
func (c *bridgeConn) ChannelOpened(id mrcp.ChannelID, ok bool) {
	c.push(ControlFrame{Type: FrameOpened, ChannelID: id.String(), OK: &ok})
	c.openedOnce.Do(func() { close(c.opened) })
	if !ok {
		c.finish()
	}
}

// ChannelClosed implements [Sink].
func (c *bridgeConn) ChannelClosed(id mrcp.ChannelID) {
	c.push(ControlFrame{Type: FrameClosed, ChannelID: id.String()})
	c.finish()
}

// Message implements [Sink].
func (c *bridgeConn) Message(msg *mrcp.Message) {
	c.push(frameOf(msg))
}

func frameOf(msg *mrcp.Message) ControlFrame {
	f := ControlFrame{
		Type:        FrameResponse,
		RequestID:   msg.RequestID,
		Method:      string(msg.Method),
		State:       msg.State.String(),
		ContentType: msg.Header.ContentType,
		ContentID:   msg.Header.ContentID,
		Body:        string(msg.Body),
	}
	if msg.Kind == mrcp.KindEvent {
		f.Type = FrameEvent
		f.Event = string(msg.Event)
	} else {
		f.Status = int(msg.Status)
	}
	if cause, ok := msg.CompletionCause(); ok {
		f.CompletionCause = cause.Code() + " " + cause.String()
	}
	return f
}

func isClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}
