package recognizer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/mrcpengine/internal/engine"
	"github.com/MrWong99/mrcpengine/internal/grammar"
	"github.com/MrWong99/mrcpengine/pkg/audio"
	"github.com/MrWong99/mrcpengine/pkg/mrcp"
)

// Compile-time interface assertions.
var (
	_ engine.Channel     = (*Channel)(nil)
	_ engine.AudioStream = (*Channel)(nil)
)

type channelState int

const (
	stateCreated channelState = iota
	stateOpening
	stateOpen
	stateClosing
	stateClosed
	stateFailed
)

type itemKind int

const (
	itemRequest itemKind = iota
	itemClose
)

// item is one entry of the worker mailbox.
type item struct {
	kind itemKind
	req  *mrcp.Message
}

// taggedFrame is a queued frame stamped with the recognition generation it
// was written for. Frames left over from an earlier recognition are ignored.
type taggedFrame struct {
	gen   uint64
	frame audio.Frame
}

// Channel is a recognizer channel. Its methods may be called from any
// goroutine; all recognition work happens on the channel's worker.
type Channel struct {
	e   *Engine
	id  mrcp.ChannelID
	rsp engine.Responder
	log *slog.Logger

	mu      sync.Mutex
	state   channelState
	mailbox []item

	wake   chan struct{}
	frames chan taggedFrame

	// live is set while the channel is open. accepting is set while a
	// recognition is consuming frames.
	live      atomic.Bool
	accepting atomic.Bool
	gen       atomic.Uint64

	// s is owned by the worker.
	s *session
}

func newChannel(e *Engine, id mrcp.ChannelID, rsp engine.Responder) *Channel {
	return &Channel{
		e:      e,
		id:     id,
		rsp:    rsp,
		log:    engine.ChannelLogger(e.base, e.name, id),
		wake:   make(chan struct{}, 1),
		frames: make(chan taggedFrame, e.cfg.FrameQueueSize),
	}
}

// ID implements [engine.Channel].
func (c *Channel) ID() mrcp.ChannelID { return c.id }

// Stream implements [engine.Channel].
func (c *Channel) Stream() engine.AudioStream { return c }

// Open starts the channel worker. The worker creates the grammar store and
// reports the outcome through OnOpen. If the engine has been closed since
// the channel was created, OnOpen(false) is reported at once.
func (c *Channel) Open() error {
	c.mu.Lock()
	if c.state != stateCreated {
		c.mu.Unlock()
		return engine.ErrChannelAlreadyOpen
	}
	c.state = stateOpening
	c.mu.Unlock()

	if !c.e.startWorker(c.run) {
		c.log.Warn("failed to open channel", "err", errEngineClosed)
		c.setState(stateFailed)
		c.rsp.OnOpen(false)
	}
	return nil
}

// Process queues req for the worker.
func (c *Channel) Process(req *mrcp.Message) error {
	if req == nil {
		return errors.New("recognizer: nil request")
	}
	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		return engine.ErrChannelNotOpen
	}
	c.mailbox = append(c.mailbox, item{kind: itemRequest, req: req})
	c.mu.Unlock()

	c.notify()
	c.e.metrics.RecordRequest(context.Background(), c.e.name, string(req.Method))
	return nil
}

// Close asks the worker to shut the channel down. A recognition in progress
// is drained first; its STOP response, if any, is not sent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		return engine.ErrChannelNotOpen
	}
	c.state = stateClosing
	c.mailbox = append(c.mailbox, item{kind: itemClose})
	c.mu.Unlock()

	c.notify()
	return nil
}

// Write queues a copy of f for the worker. It never blocks. While no
// recognition is running frames are accepted and discarded. Write returns
// false when the channel is not open or the frame queue is full.
func (c *Channel) Write(f audio.Frame) bool {
	if !c.live.Load() {
		return false
	}
	if !c.accepting.Load() {
		return true
	}
	t := taggedFrame{
		gen:   c.gen.Load(),
		frame: audio.Frame{Type: f.Type, Data: bytes.Clone(f.Data)},
	}
	select {
	case c.frames <- t:
		return true
	default:
		c.e.metrics.RecordDroppedFrame(context.Background(), c.e.name)
		return false
	}
}

func (c *Channel) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) setState(st channelState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

// ─── Worker ──────────────────────────────────────────────────────────────────

func (c *Channel) run() {
	dir, err := c.e.dirs.EnsureDir(c.e.name)
	if err != nil {
		c.log.Error("failed to open channel", "err", err)
		c.setState(stateFailed)
		c.rsp.OnOpen(false)
		return
	}
	c.s = newSession(c, grammar.NewStore(dir, c.id.String(), c.log))

	c.setState(stateOpen)
	c.live.Store(true)
	c.e.metrics.ActiveChannels.Add(context.Background(), 1)
	c.log.Info("channel opened")
	c.rsp.OnOpen(true)

	for {
		if c.drainMailbox() {
			return
		}
		select {
		case <-c.wake:
		case t := <-c.frames:
			// Requests submitted before this frame are handled first.
			if c.drainMailbox() {
				return
			}
			c.s.onFrame(t)
		case <-c.s.drainC:
			c.s.onDrainTimeout()
		}
		if c.s.finished {
			return
		}
	}
}

// drainMailbox handles every queued item in order and reports whether the
// channel has been finalized.
func (c *Channel) drainMailbox() bool {
	for {
		c.mu.Lock()
		if len(c.mailbox) == 0 {
			c.mu.Unlock()
			return c.s.finished
		}
		it := c.mailbox[0]
		c.mailbox[0] = item{}
		c.mailbox = c.mailbox[1:]
		c.mu.Unlock()

		switch it.kind {
		case itemRequest:
			c.s.dispatch(it.req)
		case itemClose:
			c.s.beginClose()
		}
		if c.s.finished {
			return true
		}
	}
}
