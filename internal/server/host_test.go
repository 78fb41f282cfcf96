package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/mrcpengine/internal/engine"
	"github.com/MrWong99/mrcpengine/internal/engine/demo"
	"github.com/MrWong99/mrcpengine/internal/engine/mock"
	"github.com/MrWong99/mrcpengine/internal/observe"
	"github.com/MrWong99/mrcpengine/pkg/audio"
	"github.com/MrWong99/mrcpengine/pkg/mrcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

const waitTimeout = 2 * time.Second

// ─── helpers ─────────────────────────────────────────────────────────────────

// recordingSink is a [Sink] that records every callback.
type recordingSink struct {
	mu     sync.Mutex
	opened []bool
	closed int
	msgs   []*mrcp.Message
}

func (s *recordingSink) ChannelOpened(_ mrcp.ChannelID, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, ok)
}

func (s *recordingSink) ChannelClosed(mrcp.ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *recordingSink) Message(msg *mrcp.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *recordingSink) snapshot() (opened []bool, closed int, msgs []*mrcp.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.opened), s.closed, slices.Clone(s.msgs)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestHost(t *testing.T, engines ...engine.Engine) *Host {
	t.Helper()
	h, err := NewHost(engines,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	return h
}

// heldEngine never answers on its own. Tests drive its responder to play
// the engine side of a channel.
type heldEngine struct {
	mu   sync.Mutex
	rsp  engine.Responder
	reqs []*mrcp.Message
}

func (e *heldEngine) Name() string                { return "held" }
func (e *heldEngine) Resource() mrcp.Resource     { return mrcp.ResourceRecognizer }
func (e *heldEngine) Open(context.Context) error  { return nil }
func (e *heldEngine) Close(context.Context) error { return nil }

func (e *heldEngine) NewChannel(id mrcp.ChannelID, rsp engine.Responder) (engine.Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rsp = rsp
	return &heldChannel{id: id, e: e}, nil
}

func (e *heldEngine) responder() engine.Responder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rsp
}

func (e *heldEngine) requests() []*mrcp.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.reqs)
}

type heldChannel struct {
	id mrcp.ChannelID
	e  *heldEngine
}

func (c *heldChannel) ID() mrcp.ChannelID         { return c.id }
func (c *heldChannel) Open() error                { c.e.responder().OnOpen(true); return nil }
func (c *heldChannel) Close() error               { c.e.responder().OnClose(); return nil }
func (c *heldChannel) Stream() engine.AudioStream { return c }
func (c *heldChannel) Write(audio.Frame) bool     { return true }

func (c *heldChannel) Process(req *mrcp.Message) error {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	c.e.reqs = append(c.e.reqs, req)
	return nil
}

func chanID(session string) mrcp.ChannelID {
	return mrcp.ChannelID{SessionID: session, Resource: mrcp.ResourceRecognizer}
}

// ─── host ────────────────────────────────────────────────────────────────────

func TestNewHost_DuplicateResource(t *testing.T) {
	t.Parallel()
	_, err := NewHost([]engine.Engine{
		&mock.Engine{EngineName: "a"},
		&mock.Engine{EngineName: "b"},
	})
	if err == nil {
		t.Fatal("expected error for two engines on one resource")
	}
}

func TestHost_Resources(t *testing.T) {
	t.Parallel()
	h := newTestHost(t,
		&mock.Engine{EngineName: "rec"},
		&mock.Engine{EngineName: "synth", EngineResource: mrcp.ResourceSynthesizer},
	)
	want := []mrcp.Resource{mrcp.ResourceRecognizer, mrcp.ResourceSynthesizer}
	if got := h.Resources(); !slices.Equal(got, want) {
		t.Errorf("Resources = %v, want %v", got, want)
	}
	if e, ok := h.Engine(mrcp.ResourceSynthesizer); !ok || e.Name() != "synth" {
		t.Errorf("Engine(speechsynth) = %v, %v", e, ok)
	}
}

func TestHost_CreateChannelErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("no capacity")
	tests := []struct {
		name    string
		eng     *mock.Engine
		id      mrcp.ChannelID
		prepare func(h *Host)
		wantErr error
	}{
		{
			name:    "unknown resource",
			eng:     &mock.Engine{},
			id:      mrcp.ChannelID{SessionID: "s", Resource: mrcp.ResourceSynthesizer},
			wantErr: ErrNoEngine,
		},
		{
			name: "duplicate channel",
			eng:  &mock.Engine{},
			id:   chanID("s"),
			prepare: func(h *Host) {
				if _, err := h.CreateChannel(chanID("s"), &recordingSink{}); err != nil {
					panic(err)
				}
			},
			wantErr: ErrDuplicateChannel,
		},
		{
			name:    "engine refuses",
			eng:     &mock.Engine{NewChannelErr: boom},
			id:      chanID("s"),
			wantErr: boom,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newTestHost(t, tt.eng)
			if tt.prepare != nil {
				tt.prepare(h)
			}
			_, err := h.CreateChannel(tt.id, &recordingSink{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CreateChannel: got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHost_ChannelLifecycle(t *testing.T) {
	t.Parallel()
	eng := &mock.Engine{}
	h := newTestHost(t, eng)
	sink := &recordingSink{}

	ch, err := h.CreateChannel(chanID("s1"), sink)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if h.Channels() != 1 {
		t.Errorf("Channels = %d, want 1", h.Channels())
	}
	if got, ok := h.Lookup(chanID("s1")); !ok || got != ch {
		t.Error("Lookup did not return the created channel")
	}

	if err := ch.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	req := mrcp.NewRequest(ch.ID(), 1, mrcp.MethodSetParams)
	if err := ch.Process(context.Background(), req); err != nil {
		t.Fatalf("Process: %v", err)
	}
	for range 3 {
		ch.Write(audio.Frame{Type: audio.FrameAudio, Data: make([]byte, 160)})
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	opened, closed, msgs := sink.snapshot()
	if !slices.Equal(opened, []bool{true}) {
		t.Errorf("opened = %v, want [true]", opened)
	}
	if closed != 1 {
		t.Errorf("closed = %d, want 1", closed)
	}
	if len(msgs) != 1 || msgs[0].RequestID != 1 || msgs[0].Status != mrcp.StatusSuccess {
		t.Errorf("messages = %+v, want one 200 response to request 1", msgs)
	}
	if n := eng.Created()[0].Frames(); n != 3 {
		t.Errorf("frames forwarded = %d, want 3", n)
	}
	if h.Channels() != 0 {
		t.Errorf("Channels after close = %d, want 0", h.Channels())
	}
	if _, ok := h.Lookup(chanID("s1")); ok {
		t.Error("closed channel is still registered")
	}

	// The identifier is free again.
	if _, err := h.CreateChannel(chanID("s1"), sink); err != nil {
		t.Errorf("CreateChannel after close: %v", err)
	}
}

func TestHost_FailedOpenUnregisters(t *testing.T) {
	t.Parallel()
	h := newTestHost(t, &mock.Engine{FailOpen: true})
	sink := &recordingSink{}

	ch, err := h.CreateChannel(chanID("s1"), sink)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := ch.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	opened, _, _ := sink.snapshot()
	if !slices.Equal(opened, []bool{false}) {
		t.Errorf("opened = %v, want [false]", opened)
	}
	if h.Channels() != 0 {
		t.Errorf("Channels = %d, want 0", h.Channels())
	}

	err = ch.Process(context.Background(), mrcp.NewRequest(ch.ID(), 1, mrcp.MethodRecognize))
	if !errors.Is(err, engine.ErrChannelNotOpen) {
		t.Errorf("Process on failed channel: got %v, want ErrChannelNotOpen", err)
	}
}

// ─── spans ───────────────────────────────────────────────────────────────────

// installTracer swaps the global tracer provider; tests using it do not run
// in parallel.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func spanAttr(s tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestChannel_SpanPerRequest(t *testing.T) {
	exp := installTracer(t)
	h := newTestHost(t, &mock.Engine{Status: mrcp.StatusMethodFailed})

	ch, err := h.CreateChannel(chanID("s1"), &recordingSink{})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := ch.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ch.Process(context.Background(), mrcp.NewRequest(ch.ID(), 7, mrcp.MethodDefineGrammar)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "mrcp DEFINE-GRAMMAR" {
		t.Errorf("span name = %q", s.Name)
	}
	if v, ok := spanAttr(s, "mrcp.request_id"); !ok || v.AsInt64() != 7 {
		t.Errorf("mrcp.request_id = %v", v)
	}
	if v, ok := spanAttr(s, "mrcp.status"); !ok || v.AsInt64() != 407 {
		t.Errorf("mrcp.status = %v", v)
	}
	if s.Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", s.Status.Code)
	}
}

func TestChannel_StopEndsRecognitionSpan(t *testing.T) {
	exp := installTracer(t)

	cfg := demo.DefaultConfig()
	cfg.ResultFile = ""
	eng, err := demo.New(cfg, engine.Params{
		Name:    "demo",
		Dirs:    engine.DirLayout{DataDir: t.TempDir()},
		Logger:  slog.New(slog.DiscardHandler),
		Metrics: testMetrics(t),
	})
	if err != nil {
		t.Fatalf("demo.New: %v", err)
	}
	if err := eng.Open(context.Background()); err != nil {
		t.Fatalf("engine Open: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	h := newTestHost(t, eng)
	sink := &recordingSink{}
	ch, err := h.CreateChannel(chanID("s1"), sink)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := ch.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	eventually(t, "open", func() bool { o, _, _ := sink.snapshot(); return len(o) == 1 })

	ctx := context.Background()
	if err := ch.Process(ctx, mrcp.NewRequest(ch.ID(), 1, mrcp.MethodRecognize)); err != nil {
		t.Fatalf("RECOGNIZE: %v", err)
	}
	eventually(t, "IN-PROGRESS", func() bool { _, _, m := sink.snapshot(); return len(m) == 1 })
	if n := len(exp.GetSpans()); n != 0 {
		t.Fatalf("RECOGNIZE span ended early: %d spans", n)
	}

	if err := ch.Process(ctx, mrcp.NewRequest(ch.ID(), 2, mrcp.MethodStop)); err != nil {
		t.Fatalf("STOP: %v", err)
	}
	// The held STOP is answered from a following frame.
	eventually(t, "STOP response", func() bool {
		ch.Write(audio.Frame{Type: audio.FrameAudio, Data: make([]byte, 160)})
		_, _, msgs := sink.snapshot()
		return slices.ContainsFunc(msgs, func(m *mrcp.Message) bool { return m.Method == mrcp.MethodStop })
	})

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	var recog tracetest.SpanStub
	for _, s := range spans {
		if s.Name == "mrcp RECOGNIZE" {
			recog = s
		}
	}
	if v, ok := spanAttr(recog, "mrcp.ended_by"); !ok || v.AsString() != "stop" {
		t.Errorf("RECOGNIZE span ended_by = %v, want stop", v)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	eventually(t, "close", func() bool { _, c, _ := sink.snapshot(); return c == 1 })
}

func spanNames(spans tracetest.SpanStubs) []string {
	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Name)
	}
	return names
}

func TestChannel_IdleStopKeepsLaterRecognitionSpan(t *testing.T) {
	exp := installTracer(t)
	eng := &heldEngine{}
	h := newTestHost(t, eng)

	ch, err := h.CreateChannel(chanID("s1"), &recordingSink{})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := ch.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	stop := mrcp.NewRequest(ch.ID(), 1, mrcp.MethodStop)
	recog := mrcp.NewRequest(ch.ID(), 2, mrcp.MethodRecognize)
	for _, req := range []*mrcp.Message{stop, recog} {
		if err := ch.Process(ctx, req); err != nil {
			t.Fatalf("Process %s: %v", req.Method, err)
		}
	}

	rsp := eng.responder()
	// Nothing was recognizing when STOP arrived.
	rsp.OnMessage(mrcp.NewResponse(stop))
	inProgress := mrcp.NewResponse(recog)
	inProgress.State = mrcp.StateInProgress
	rsp.OnMessage(inProgress)

	if names := spanNames(exp.GetSpans()); !slices.Equal(names, []string{"mrcp STOP"}) {
		t.Fatalf("ended spans = %v, want only the STOP span", names)
	}

	done := mrcp.NewEvent(recog, mrcp.EventRecognitionComplete, mrcp.StateComplete)
	done.SetCompletionCause(mrcp.CauseSuccess)
	rsp.OnMessage(done)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %v, want STOP and RECOGNIZE", spanNames(spans))
	}
	s := spans[1]
	if s.Name != "mrcp RECOGNIZE" {
		t.Fatalf("second span = %q, want mrcp RECOGNIZE", s.Name)
	}
	if v, ok := spanAttr(s, observe.AttrCompletionCause); !ok || v.AsString() != "success" {
		t.Errorf("completion cause = %v, want success", v)
	}
	if v, ok := spanAttr(s, observe.AttrEndedBy); ok {
		t.Errorf("RECOGNIZE span ended by %q, want its own completion", v.AsString())
	}
	if s.Status.Code == codes.Error {
		t.Error("completed recognition span marked as error")
	}
}

func TestChannel_StopEndsOnlyTheRecognitionInProgress(t *testing.T) {
	exp := installTracer(t)
	eng := &heldEngine{}
	h := newTestHost(t, eng)

	ch, err := h.CreateChannel(chanID("s1"), &recordingSink{})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := ch.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	recog := mrcp.NewRequest(ch.ID(), 1, mrcp.MethodRecognize)
	params := mrcp.NewRequest(ch.ID(), 2, mrcp.MethodGetParams)
	stop := mrcp.NewRequest(ch.ID(), 3, mrcp.MethodStop)
	for _, req := range []*mrcp.Message{recog, params, stop} {
		if err := ch.Process(ctx, req); err != nil {
			t.Fatalf("Process %s: %v", req.Method, err)
		}
	}

	rsp := eng.responder()
	inProgress := mrcp.NewResponse(recog)
	inProgress.State = mrcp.StateInProgress
	rsp.OnMessage(inProgress)
	rsp.OnMessage(mrcp.NewResponse(stop))

	names := spanNames(exp.GetSpans())
	slices.Sort(names)
	if want := []string{"mrcp RECOGNIZE", "mrcp STOP"}; !slices.Equal(names, want) {
		t.Fatalf("ended spans = %v, want %v", names, want)
	}

	// The unanswered GET-PARAMS keeps its span until its own response.
	rsp.OnMessage(mrcp.NewResponse(params))
	if n := len(exp.GetSpans()); n != 3 {
		t.Errorf("spans = %d, want 3", n)
	}
}

func TestChannel_RequestCarriesTraceToEngine(t *testing.T) {
	exp := installTracer(t)
	eng := &heldEngine{}

	var buf bytes.Buffer
	h, err := NewHost([]engine.Engine{eng},
		WithLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))),
		WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	ch, err := h.CreateChannel(chanID("s1"), &recordingSink{})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := ch.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	req := mrcp.NewRequest(ch.ID(), 9, mrcp.MethodGetParams)
	if err := ch.Process(context.Background(), req); err != nil {
		t.Fatalf("Process: %v", err)
	}
	eng.responder().OnMessage(mrcp.NewResponse(req))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	want := spans[0].SpanContext

	got := eng.requests()
	if len(got) != 1 {
		t.Fatalf("engine received %d requests, want 1", len(got))
	}
	if sc := trace.SpanContextFromContext(got[0].Context()); sc.SpanID() != want.SpanID() {
		t.Errorf("engine request span = %v, want %v", sc.SpanID(), want.SpanID())
	}

	var accepted string
	for line := range strings.Lines(buf.String()) {
		if strings.Contains(line, "request accepted") {
			accepted = line
		}
	}
	for _, attr := range []string{
		"trace_id=" + want.TraceID().String(),
		"span_id=" + want.SpanID().String(),
		"channel_id=s1@speechrecog",
	} {
		if !strings.Contains(accepted, attr) {
			t.Errorf("accepted log line %q lacks %s", accepted, attr)
		}
	}
}
