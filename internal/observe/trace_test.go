package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var hex32 = regexp.MustCompile(`^[0-9a-f]{32}$`)

// useTracer installs an in-memory tracer provider as the global provider for
// the duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs routes the default logger into a buffer for the duration of
// the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	useTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 20 {
		ctx, span := StartSpan(context.Background(), "panel.email-analysis")
		cid := CorrelationID(ctx)
		span.End()
		if !hex32.MatchString(cid) {
			t.Fatalf("correlation id %q is not a 32-char hex trace id", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation id %s", cid)
		}
		seen[cid] = true
	}
}

func TestEndSpan(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		kind       string
		wantCode   codes.Code
		wantEvents int
	}{
		{name: "success", wantCode: codes.Ok},
		{name: "failure", err: errors.New("upstream unavailable"), kind: "error", wantCode: codes.Error, wantEvents: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := useTracer(t)

			_, span := StartSpan(context.Background(), "panel.image-edit")
			EndSpan(span, tt.err, tt.kind)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("recorded %d spans, want 1", len(spans))
			}
			got := spans[0]
			if got.Name != "panel.image-edit" {
				t.Errorf("name = %q", got.Name)
			}
			if got.Status.Code != tt.wantCode || got.Status.Description != tt.kind {
				t.Errorf("status = %+v, want %v %q", got.Status, tt.wantCode, tt.kind)
			}
			if len(got.Events) != tt.wantEvents {
				t.Errorf("events = %d, want %d", len(got.Events), tt.wantEvents)
			}
		})
	}
}

func TestLogger_TraceAttributes(t *testing.T) {
	useTracer(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span carries a trace id: %s", buf)
	}
	buf.Reset()

	ctx, span := StartSpan(context.Background(), "voice")
	defer span.End()
	Logger(ctx).Info("with span")
	out := buf.String()
	if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
		t.Errorf("log output = %s", out)
	}
}
