package recognizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/mrcpengine/internal/grammar"
	"github.com/MrWong99/mrcpengine/internal/observe"
	"github.com/MrWong99/mrcpengine/pkg/audio"
	"github.com/MrWong99/mrcpengine/pkg/decoder"
	"github.com/MrWong99/mrcpengine/pkg/mrcp"
	"github.com/MrWong99/mrcpengine/pkg/vad"
)

// jsgfMarker must appear in the content-type of a grammar body.
const jsgfMarker = "jsgf"

// defaultConfidence is reported when the decoder gives no score.
const defaultConfidence = 99

// session is the recognition state of one channel. It is owned by the
// channel worker and never touched from another goroutine.
type session struct {
	c       *Channel
	cfg     Config
	name    string
	log     *slog.Logger
	metrics *observe.Metrics
	attrs   metric.MeasurementOption

	grammars  *grammar.Store
	det       *vad.Detector
	dec       decoder.Decoder
	decReady  bool
	grammarID string

	// recognizing is the RECOGNIZE request in progress, nil when idle.
	recognizing    *mrcp.Message
	startedAt      time.Time
	recogElapsed   time.Duration
	partialElapsed time.Duration
	lastResult     string
	lastConfidence int

	// stopPending defers the completion of the current recognition to the
	// next frame. stopResponse is sent in place of the completion event; it
	// is nil when the stop was caused by close.
	stopPending  bool
	stopResponse *mrcp.Message

	closing  bool
	finished bool

	drain  *time.Timer
	drainC <-chan time.Time
}

func newSession(c *Channel, store *grammar.Store) *session {
	return &session{
		c:        c,
		cfg:      c.e.cfg,
		name:     c.e.name,
		log:      c.log,
		metrics:  c.e.metrics,
		attrs:    metric.WithAttributes(observe.Attr("engine", c.e.name)),
		grammars: store,
		det:      vad.New(c.e.cfg.detectorConfig()),
	}
}

func (s *session) dispatch(req *mrcp.Message) {
	observe.LoggerFrom(req.Context(), s.log).Debug("processing request",
		"method", req.Method, "request_id", req.RequestID)
	switch req.Method {
	case mrcp.MethodDefineGrammar:
		s.send(s.defineGrammar(req))
	case mrcp.MethodRecognize:
		s.recognize(req)
	case mrcp.MethodGetResult:
		s.getResult(req)
	case mrcp.MethodStop:
		s.stop(req)
	case mrcp.MethodSetParams, mrcp.MethodGetParams, mrcp.MethodStartInputTimers:
		s.send(mrcp.NewResponse(req))
	default:
		rsp := mrcp.NewResponse(req)
		rsp.Status = mrcp.StatusMethodNotAllowed
		s.send(rsp)
	}
}

// ─── Requests ────────────────────────────────────────────────────────────────

func (s *session) defineGrammar(req *mrcp.Message) *mrcp.Message {
	rsp := mrcp.NewResponse(req)
	id := req.Header.ContentID
	if id == "" {
		rsp.Status = mrcp.StatusMissingParam
		return rsp
	}
	if s.recognizing != nil {
		rsp.Status = mrcp.StatusMethodNotValid
		return rsp
	}
	if len(req.Body) == 0 {
		s.unload(id)
		return rsp
	}
	ct := req.Header.ContentType
	if ct == "" {
		rsp.Status = mrcp.StatusMissingParam
		return rsp
	}
	if !strings.Contains(strings.ToLower(ct), jsgfMarker) {
		s.log.Info("rejecting grammar", "content_id", id, "content_type", ct)
		rsp.Status = mrcp.StatusUnsupportedParamValue
		return rsp
	}

	ctx := context.Background()
	path, err := s.grammars.Define(id, req.Body)
	if err != nil {
		s.log.Error("failed to store grammar", "content_id", id, "err", err)
		s.metrics.RecordGrammar(ctx, s.name, "define", "error")
		rsp.Status = mrcp.StatusMethodFailed
		return rsp
	}
	if err := s.bind(id, path); err != nil {
		s.log.Error("failed to load grammar", "content_id", id, "err", err)
		if uerr := s.grammars.Undefine(id); uerr != nil {
			s.log.Warn("failed to remove grammar file", "content_id", id, "err", uerr)
		}
		s.metrics.RecordGrammar(ctx, s.name, "define", "error")
		rsp.Status = mrcp.StatusMethodFailed
		return rsp
	}
	s.metrics.RecordGrammar(ctx, s.name, "define", "ok")
	s.log.Info("grammar loaded", "content_id", id, "path", path)
	return rsp
}

// bind loads the grammar at path into the decoder, creating the decoder on
// first use. An existing decoder is reloaded in place.
func (s *session) bind(id, path string) error {
	ctx := context.Background()
	fresh := false
	if s.dec == nil {
		d, err := s.c.e.decoders.NewDecoder(decoder.Config{
			SampleRate: s.cfg.SampleRate,
			Language:   s.cfg.Language,
		})
		if err != nil {
			s.metrics.RecordDecoderError(ctx, s.name, "create")
			return fmt.Errorf("create decoder: %w", err)
		}
		s.dec = d
		fresh = true
	}
	if err := s.dec.Load(path); err != nil {
		s.metrics.RecordDecoderError(ctx, s.name, "load")
		s.decReady = false
		s.grammarID = ""
		if fresh {
			if cerr := s.dec.Close(); cerr != nil {
				s.log.Warn("failed to close decoder", "err", cerr)
			}
			s.dec = nil
		}
		return fmt.Errorf("load %q: %w", id, err)
	}
	s.decReady = true
	s.grammarID = id
	return s.grammars.Activate(id)
}

// unload removes a grammar without touching the decoder.
func (s *session) unload(id string) {
	if _, ok := s.grammars.Lookup(id); !ok {
		return
	}
	status := "ok"
	if err := s.grammars.Undefine(id); err != nil {
		s.log.Warn("failed to remove grammar file", "content_id", id, "err", err)
		status = "error"
	}
	s.metrics.RecordGrammar(context.Background(), s.name, "undefine", status)
	s.log.Info("grammar unloaded", "content_id", id)
}

func (s *session) recognize(req *mrcp.Message) {
	rsp := mrcp.NewResponse(req)
	if s.recognizing != nil {
		rsp.Status = mrcp.StatusMethodNotValid
		s.send(rsp)
		return
	}
	if s.dec == nil || !s.decReady {
		s.log.Warn("recognize without a loaded grammar")
		rsp.Status = mrcp.StatusMethodFailed
		s.send(rsp)
		return
	}
	if err := s.dec.StartUtterance(); err != nil {
		s.log.Error("failed to start utterance", "err", err)
		s.metrics.RecordDecoderError(context.Background(), s.name, "start")
		rsp.Status = mrcp.StatusMethodFailed
		s.send(rsp)
		return
	}

	s.det.Reset()
	s.recogElapsed = 0
	s.partialElapsed = 0
	s.lastResult = ""
	s.lastConfidence = 0
	s.stopPending = false
	s.stopResponse = nil
	s.recognizing = req
	s.startedAt = time.Now()
	s.metrics.ActiveRecognitions.Add(context.Background(), 1, s.attrs)

	s.c.gen.Add(1)
	s.c.accepting.Store(true)

	rsp.State = mrcp.StateInProgress
	s.send(rsp)
}

func (s *session) getResult(req *mrcp.Message) {
	rsp := mrcp.NewResponse(req)
	if s.lastResult != "" {
		rsp.Body = mrcp.NLSMLResult(s.grammarID, confidence(s.lastConfidence), s.lastResult)
		rsp.Header.ContentType = mrcp.ContentTypeNLSML
	}
	s.send(rsp)
}

func (s *session) stop(req *mrcp.Message) {
	rsp := mrcp.NewResponse(req)
	if s.recognizing == nil || s.stopResponse != nil {
		s.send(rsp)
		return
	}
	s.stopResponse = rsp
	s.stopPending = true
	s.armDrain()
}

func (s *session) beginClose() {
	s.closing = true
	if s.recognizing == nil {
		s.finalize()
		return
	}
	s.log.Debug("close deferred until recognition completes")
	s.stopPending = true
	s.armDrain()
}

// ─── Frames ──────────────────────────────────────────────────────────────────

func (s *session) onFrame(t taggedFrame) {
	if s.recognizing == nil || t.gen != s.c.gen.Load() {
		return
	}
	if s.stopPending {
		s.complete(mrcp.CauseSuccess)
		return
	}

	f := t.frame
	if f.Type.Has(audio.FrameAudio) && len(f.Data) > 0 {
		if err := s.dec.ProcessRaw(f.Samples()); err != nil {
			s.log.Warn("failed to decode frame", "err", err)
			s.metrics.RecordDecoderError(context.Background(), s.name, "process")
		}
	}

	step := s.cfg.FrameDuration
	if s.cfg.PartialResultInterval > 0 {
		s.partialElapsed += step
		if s.partialElapsed >= s.cfg.PartialResultInterval {
			s.partialElapsed = 0
			s.partial()
		}
	}
	s.recogElapsed += step
	if s.cfg.RecognitionTimeout > 0 && s.recogElapsed >= s.cfg.RecognitionTimeout {
		s.complete(mrcp.CauseRecognitionTimeout)
		return
	}

	switch s.det.Process(f) {
	case vad.EventActivity:
		s.log.Debug("input started")
		s.send(mrcp.NewEvent(s.recognizing, mrcp.EventStartOfInput, mrcp.StateInProgress))
	case vad.EventInactivity:
		s.complete(mrcp.CauseSuccess)
	case vad.EventNoInput:
		s.complete(mrcp.CauseNoInputTimeout)
	}
}

// partial records the current hypothesis when it differs from the last one.
func (s *session) partial() {
	h, err := s.hypothesis("partial")
	if err != nil || h.Text == "" || h.Text == s.lastResult {
		return
	}
	s.lastResult = h.Text
	s.lastConfidence = h.Confidence
	s.metrics.RecordPartialResult(context.Background(), s.name)
	s.log.Debug("partial result", "text", h.Text)
}

func (s *session) hypothesis(phase string) (decoder.Hypothesis, error) {
	ctx := context.Background()
	start := time.Now()
	h, err := s.dec.Hypothesis()
	s.metrics.DecodeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("engine", s.name), observe.Attr("phase", phase)))
	if err != nil {
		s.log.Warn("failed to get hypothesis", "phase", phase, "err", err)
		s.metrics.RecordDecoderError(ctx, s.name, "hypothesis")
	}
	return h, err
}

func (s *session) onDrainTimeout() {
	s.drainC = nil
	if s.recognizing == nil {
		return
	}
	s.log.Debug("no audio while stopping, completing recognition")
	s.complete(mrcp.CauseSuccess)
}

// ─── Completion ──────────────────────────────────────────────────────────────

// complete ends the recognition in progress. A pending stop consumes the
// completion event. Without a recognition in progress it does nothing.
func (s *session) complete(cause mrcp.CompletionCause) {
	req := s.recognizing
	if req == nil {
		return
	}
	ctx := context.Background()
	s.recognizing = nil
	s.c.accepting.Store(false)
	s.disarmDrain()
	s.metrics.ActiveRecognitions.Add(ctx, -1, s.attrs)
	if err := s.dec.EndUtterance(); err != nil {
		s.log.Warn("failed to end utterance", "err", err)
		s.metrics.RecordDecoderError(ctx, s.name, "end")
	}
	elapsed := time.Since(s.startedAt).Seconds()

	if s.stopPending {
		rsp := s.stopResponse
		s.stopPending = false
		s.stopResponse = nil
		s.metrics.RecordCompletion(ctx, s.name, "stopped", elapsed)
		s.log.Info("recognition stopped", "request_id", req.RequestID)
		if s.closing {
			s.finalize()
			return
		}
		if rsp != nil {
			s.send(rsp)
		}
		return
	}

	ev := mrcp.NewEvent(req, mrcp.EventRecognitionComplete, mrcp.StateComplete)
	if cause == mrcp.CauseSuccess {
		h, err := s.hypothesis("final")
		if err != nil || strings.TrimSpace(h.Text) == "" {
			cause = mrcp.CauseNoMatch
		} else {
			s.lastResult = h.Text
			s.lastConfidence = h.Confidence
			ev.Body = mrcp.NLSMLResult(s.grammarID, confidence(h.Confidence), h.Text)
			ev.Header.ContentType = mrcp.ContentTypeNLSML
		}
	}
	ev.SetCompletionCause(cause)
	s.metrics.RecordCompletion(ctx, s.name, cause.String(), elapsed)
	s.log.Info("recognition complete", "request_id", req.RequestID, "cause", cause.String())
	s.send(ev)
}

// finalize releases the decoder and grammar files and reports the close.
func (s *session) finalize() {
	c := s.c
	c.accepting.Store(false)
	c.live.Store(false)
	s.disarmDrain()

	ctx := context.Background()
	if s.grammars.Len() > 0 {
		status := "ok"
		if err := s.grammars.Clear(); err != nil {
			s.log.Warn("failed to clear grammars", "err", err)
			status = "error"
		}
		s.metrics.RecordGrammar(ctx, s.name, "clear", status)
	}
	if s.dec != nil {
		if err := s.dec.Close(); err != nil && !errors.Is(err, decoder.ErrNotLoaded) {
			s.log.Warn("failed to close decoder", "err", err)
		}
		s.dec = nil
	}

	s.finished = true
	c.setState(stateClosed)
	s.metrics.ActiveChannels.Add(ctx, -1)
	s.log.Info("channel closed")
	c.rsp.OnClose()
}

func (s *session) send(msg *mrcp.Message) {
	ctx := context.Background()
	switch msg.Kind {
	case mrcp.KindResponse:
		s.metrics.RecordResponse(ctx, s.name, string(msg.Method), int(msg.Status))
	case mrcp.KindEvent:
		s.metrics.RecordEvent(ctx, s.name, string(msg.Event))
	}
	s.c.rsp.OnMessage(msg)
}

// ─── Drain timer ─────────────────────────────────────────────────────────────

// armDrain bounds how long a pending stop waits for the next frame.
func (s *session) armDrain() {
	if s.cfg.DrainTimeout <= 0 {
		return
	}
	if s.drain == nil {
		s.drain = time.NewTimer(s.cfg.DrainTimeout)
	} else {
		s.drain.Reset(s.cfg.DrainTimeout)
	}
	s.drainC = s.drain.C
}

func (s *session) disarmDrain() {
	if s.drain != nil {
		s.drain.Stop()
	}
	s.drainC = nil
}

func confidence(c int) int {
	if c <= 0 {
		return defaultConfidence
	}
	return c
}
