package demo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/mrcpengine/internal/engine"
	"github.com/MrWong99/mrcpengine/internal/observe"
	"github.com/MrWong99/mrcpengine/internal/taskqueue"
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
)

// Channel is a demo recognizer channel.
type Channel struct {
	e   *Engine
	id  mrcp.ChannelID
	rsp engine.Responder
	log *slog.Logger

	mu           sync.Mutex
	state        channelState
	recog        *mrcp.Message
	announced    bool
	stopResponse *mrcp.Message
	startOfInput bool
	remaining    time.Duration
	startedAt    time.Time
	result       []byte
	rec          *recording
}

// recording is an open utterance file.
type recording struct {
	f *os.File
	w *bufio.Writer
}

func (r *recording) Close() error {
	return errors.Join(r.w.Flush(), r.f.Close())
}

// ID implements [engine.Channel].
func (c *Channel) ID() mrcp.ChannelID { return c.id }

// Stream implements [engine.Channel].
func (c *Channel) Stream() engine.AudioStream { return c }

// Open implements [engine.Channel].
func (c *Channel) Open() error {
	c.mu.Lock()
	if c.state != stateCreated {
		c.mu.Unlock()
		return engine.ErrChannelAlreadyOpen
	}
	c.state = stateOpening
	c.mu.Unlock()
	if err := c.signal(taskqueue.OpenChannel, nil); err != nil {
		c.setState(stateCreated)
		return err
	}
	return nil
}

// Process implements [engine.Channel].
func (c *Channel) Process(req *mrcp.Message) error {
	if req == nil {
		return errors.New("demo: nil request")
	}
	c.mu.Lock()
	open := c.state == stateOpen
	c.mu.Unlock()
	if !open {
		return engine.ErrChannelNotOpen
	}
	if err := c.signal(taskqueue.ProcessRequest, req); err != nil {
		return err
	}
	c.e.metrics.RecordRequest(context.Background(), c.e.name, string(req.Method))
	return nil
}

// Close implements [engine.Channel].
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		return engine.ErrChannelNotOpen
	}
	c.state = stateClosing
	c.mu.Unlock()
	if err := c.signal(taskqueue.CloseChannel, nil); err != nil {
		c.setState(stateOpen)
		return err
	}
	return nil
}

func (c *Channel) signal(kind taskqueue.Kind, req *mrcp.Message) error {
	err := c.e.queue.Signal(taskqueue.Message[*Channel]{Kind: kind, Channel: c, Request: req})
	if err != nil {
		return fmt.Errorf("demo: %s: %w", kind, err)
	}
	return nil
}

func (c *Channel) setState(st channelState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

// ─── Consumer side ───────────────────────────────────────────────────────────

func (c *Channel) open() {
	c.mu.Lock()
	c.state = stateOpen
	c.mu.Unlock()
	c.e.metrics.ActiveChannels.Add(context.Background(), 1)
	c.log.Info("channel opened")
	c.rsp.OnOpen(true)
}

// close ends the channel. A recognition in progress and a pending STOP are
// dropped without a message.
func (c *Channel) close() {
	c.mu.Lock()
	if c.recog != nil {
		c.e.metrics.ActiveRecognitions.Add(context.Background(), -1)
	}
	c.recog = nil
	c.stopResponse = nil
	rec := c.rec
	c.rec = nil
	c.state = stateClosed
	c.mu.Unlock()

	if rec != nil {
		if err := rec.Close(); err != nil {
			c.log.Warn("failed to close utterance recording", "err", err)
		}
	}
	c.e.metrics.ActiveChannels.Add(context.Background(), -1)
	c.log.Info("channel closed")
	c.rsp.OnClose()
}

func (c *Channel) dispatch(req *mrcp.Message) {
	observe.LoggerFrom(req.Context(), c.log).Debug("processing request",
		"method", req.Method, "request_id", req.RequestID)
	switch req.Method {
	case mrcp.MethodRecognize:
		c.recognize(req)
	case mrcp.MethodStop:
		c.stop(req)
	case mrcp.MethodSetParams, mrcp.MethodGetParams, mrcp.MethodDefineGrammar,
		mrcp.MethodGetResult, mrcp.MethodStartInputTimers:
		c.send(mrcp.NewResponse(req))
	default:
		rsp := mrcp.NewResponse(req)
		rsp.Status = mrcp.StatusMethodNotAllowed
		c.send(rsp)
	}
}

func (c *Channel) recognize(req *mrcp.Message) {
	rsp := mrcp.NewResponse(req)

	c.mu.Lock()
	busy := c.recog != nil
	needRec := c.e.cfg.RecordUtterances && c.rec == nil
	c.mu.Unlock()
	if busy {
		rsp.Status = mrcp.StatusMethodNotValid
		c.send(rsp)
		return
	}

	body, err := c.e.resultBody()
	if err != nil {
		c.log.Warn("failed to read result document", "err", err)
	}
	var rec *recording
	if needRec {
		path := c.e.recordingPath(c.id)
		f, err := os.Create(path)
		if err != nil {
			c.log.Warn("failed to create utterance recording", "path", path, "err", err)
		} else {
			rec = &recording{f: f, w: bufio.NewWriter(f)}
		}
	}

	// Frames are ignored until IN-PROGRESS has been delivered, so no
	// START-OF-INPUT can overtake it. The responder may write frames from
	// OnMessage.
	c.mu.Lock()
	if rec != nil {
		c.rec = rec
	}
	c.recog = req
	c.announced = false
	c.startOfInput = false
	c.remaining = c.e.cfg.TimeToComplete
	c.startedAt = time.Now()
	c.result = body
	c.mu.Unlock()
	c.e.metrics.ActiveRecognitions.Add(context.Background(), 1)

	rsp.State = mrcp.StateInProgress
	c.send(rsp)

	c.mu.Lock()
	if c.recog == req {
		c.announced = true
	}
	c.mu.Unlock()
}

// stop answers at once when idle. Otherwise the response is held and sent
// from the next frame, after which no event follows for the recognition.
func (c *Channel) stop(req *mrcp.Message) {
	rsp := mrcp.NewResponse(req)
	c.mu.Lock()
	if c.recog != nil && c.stopResponse == nil {
		c.stopResponse = rsp
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.send(rsp)
}

// ─── Media side ──────────────────────────────────────────────────────────────

// Write advances the scripted recognition by one frame.
func (c *Channel) Write(f audio.Frame) bool {
	var out []*mrcp.Message

	c.mu.Lock()
	if c.state != stateOpen && c.state != stateClosing {
		c.mu.Unlock()
		return false
	}
	if c.stopResponse != nil {
		out = append(out, c.stopResponse)
		c.stopResponse = nil
		c.recog = nil
		c.e.metrics.ActiveRecognitions.Add(context.Background(), -1)
		c.mu.Unlock()
		c.sendAll(out)
		return true
	}
	if c.recog == nil || !c.announced {
		c.mu.Unlock()
		return true
	}

	if f.Type.Has(audio.FrameAudio) {
		if c.rec != nil {
			if _, err := c.rec.w.Write(f.Data); err != nil {
				c.log.Warn("failed to record frame", "err", err)
			}
		}
		if !c.startOfInput {
			out = append(out, mrcp.NewEvent(c.recog, mrcp.EventStartOfInput, mrcp.StateInProgress))
			c.startOfInput = true
		}
	}
	if c.startOfInput {
		if c.remaining >= c.e.cfg.FrameDuration {
			c.remaining -= c.e.cfg.FrameDuration
		} else {
			out = append(out, c.completeLocked())
		}
	}
	c.mu.Unlock()

	c.sendAll(out)
	return true
}

func (c *Channel) completeLocked() *mrcp.Message {
	ev := mrcp.NewEvent(c.recog, mrcp.EventRecognitionComplete, mrcp.StateComplete)
	ev.SetCompletionCause(mrcp.CauseSuccess)
	if len(c.result) > 0 {
		ev.Body = c.result
		ev.Header.ContentType = mrcp.ContentTypeNLSML
	}
	ctx := context.Background()
	c.e.metrics.ActiveRecognitions.Add(ctx, -1)
	c.e.metrics.RecordCompletion(ctx, c.e.name, mrcp.CauseSuccess.String(), time.Since(c.startedAt).Seconds())
	c.recog = nil
	c.result = nil
	return ev
}

func (c *Channel) sendAll(msgs []*mrcp.Message) {
	for _, m := range msgs {
		c.send(m)
	}
}

func (c *Channel) send(msg *mrcp.Message) {
	ctx := context.Background()
	switch msg.Kind {
	case mrcp.KindResponse:
		c.e.metrics.RecordResponse(ctx, c.e.name, string(msg.Method), int(msg.Status))
	case mrcp.KindEvent:
		c.e.metrics.RecordEvent(ctx, c.e.name, string(msg.Event))
	}
	c.rsp.OnMessage(msg)
}
