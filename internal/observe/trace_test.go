package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func spanAttrs(s tracetest.SpanStub) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(s.Attributes))
	for _, kv := range s.Attributes {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestRequestSpan(t *testing.T) {
	exp := installTracer(t)

	tests := []struct {
		name      string
		method    string
		status    int
		cause     string
		wantError bool
	}{
		{name: "success", method: "RECOGNIZE", status: 0, cause: "success"},
		{name: "stop answered", method: "STOP", status: 200},
		{name: "method not valid", method: "RECOGNIZE", status: 402, wantError: true},
		{name: "no input", method: "RECOGNIZE", cause: "no-input-timeout"},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exp.Reset()
			_, span := StartRequestSpan(context.Background(), "s1@speechrecog", uint32(i+1), tc.method)
			EndRequestSpan(span, tc.status, tc.cause)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			s := spans[0]
			if s.Name != "mrcp "+tc.method {
				t.Errorf("name = %q, want mrcp %s", s.Name, tc.method)
			}
			if s.SpanKind != trace.SpanKindServer {
				t.Errorf("kind = %v, want server", s.SpanKind)
			}
			attrs := spanAttrs(s)
			if got := attrs[AttrChannelID].AsString(); got != "s1@speechrecog" {
				t.Errorf("channel id = %q", got)
			}
			if got := attrs[AttrRequestID].AsInt64(); got != int64(i+1) {
				t.Errorf("request id = %d, want %d", got, i+1)
			}
			if v, ok := attrs[AttrStatus]; ok != (tc.status != 0) || (ok && v.AsInt64() != int64(tc.status)) {
				t.Errorf("status attribute = %v (present %v), want %d", v, ok, tc.status)
			}
			if v, ok := attrs[AttrCompletionCause]; ok != (tc.cause != "") || v.AsString() != tc.cause {
				t.Errorf("completion cause = %q (present %v), want %q", v.AsString(), ok, tc.cause)
			}
			if got := s.Status.Code == codes.Error; got != tc.wantError {
				t.Errorf("error status = %v, want %v", got, tc.wantError)
			}
		})
	}
}

func TestRequestSpan_ChildOfCaller(t *testing.T) {
	exp := installTracer(t)

	ctx, parent := StartSpan(context.Background(), "HTTP GET /ws")
	reqCtx, span := StartRequestSpan(ctx, "s1@speechrecog", 1, "GET-PARAMS")
	if CorrelationID(reqCtx) != CorrelationID(ctx) {
		t.Error("request span started a new trace")
	}
	EndRequestSpan(span, 200, "")
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("request span is not a child of the caller's span")
	}
}

func TestCorrelationID(t *testing.T) {
	installTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	cid := CorrelationID(ctx)
	if cid != trace.SpanContextFromContext(ctx).TraceID().String() || len(cid) != 32 {
		t.Errorf("CorrelationID = %q, want the 32-digit trace id", cid)
	}
}

func TestLoggerFrom(t *testing.T) {
	installTracer(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil)).With("channel_id", "s1@speechrecog")

	if LoggerFrom(context.Background(), base) != base {
		t.Error("LoggerFrom without span did not return base")
	}

	ctx, span := StartRequestSpan(context.Background(), "s1@speechrecog", 4, "RECOGNIZE")
	defer span.End()
	LoggerFrom(ctx, base).Warn("decoder failed", "err", errors.New("boom"))

	sc := trace.SpanContextFromContext(ctx)
	line := buf.String()
	for _, want := range []string{
		"channel_id=s1@speechrecog",
		"trace_id=" + sc.TraceID().String(),
		"span_id=" + sc.SpanID().String(),
		"err=boom",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q lacks %s", line, want)
		}
	}
}
