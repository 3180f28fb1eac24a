package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumented wraps a mux with the middleware and returns the metric reader
// and span exporter backing it. The tracer provider is installed globally.
func instrumented(t *testing.T, register func(mux *http.ServeMux)) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	exp := useTracer(t)

	mux := http.NewServeMux()
	register(mux)
	return Middleware(m)(mux), reader, exp
}

func spanAttr(s tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_Spans(t *testing.T) {
	h, _, exp := instrumented(t, func(mux *http.ServeMux) {
		mux.HandleFunc("POST /api/email/analyze", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		})
	})

	tests := []struct {
		name       string
		path       string
		wantStatus int64
		wantRoute  string
	}{
		{name: "matched route", path: "/api/email/analyze", wantStatus: 400, wantRoute: "POST /api/email/analyze"},
		{name: "no route", path: "/nowhere", wantStatus: 404, wantRoute: "unmatched"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp.Reset()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.path, nil))

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			if want := "HTTP POST " + tt.path; spans[0].Name != want {
				t.Errorf("span name = %q, want %q", spans[0].Name, want)
			}
			if v, _ := spanAttr(spans[0], "http.response.status_code"); v.AsInt64() != tt.wantStatus {
				t.Errorf("status attribute = %d, want %d", v.AsInt64(), tt.wantStatus)
			}
			if v, _ := spanAttr(spans[0], "http.route"); v.AsString() != tt.wantRoute {
				t.Errorf("route attribute = %q, want %q", v.AsString(), tt.wantRoute)
			}
			if got := rec.Header().Get(CorrelationHeader); got != spans[0].SpanContext.TraceID().String() {
				t.Errorf("%s = %q, want the span's trace id", CorrelationHeader, got)
			}
		})
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var seen string
	h, _, _ := instrumented(t, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /api/image/presets", func(_ http.ResponseWriter, r *http.Request) {
			seen = CorrelationID(r.Context())
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/image/presets", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != traceID {
		t.Errorf("handler correlation id = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("response %s = %q", CorrelationHeader, got)
	}
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	h, reader, _ := instrumented(t, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /healthz", func(http.ResponseWriter, *http.Request) {})
	})
	for range 3 {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "omnisuite.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric missing")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	for key, want := range map[attribute.Key]string{"method": "GET", "route": "GET /healthz", "status": "200"} {
		if v, ok := dp.Attributes.Value(key); !ok || v.AsString() != want {
			t.Errorf("attribute %s = %q, want %q", key, v.AsString(), want)
		}
	}
}

func TestMiddleware_WebSocketUpgrade(t *testing.T) {
	h, _, exp := instrumented(t, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /ws/voice", func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				t.Errorf("Accept through middleware: %v", err)
				return
			}
			conn.Close(websocket.StatusNormalClosure, "")
		})
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/voice", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	_, _, _ = conn.Read(ctx)
	conn.CloseNow()

	deadline := time.Now().Add(3 * time.Second)
	for len(exp.GetSpans()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no span recorded for the upgraded request")
	}
	if v, _ := spanAttr(spans[0], "http.response.status_code"); v.AsInt64() != http.StatusSwitchingProtocols {
		t.Errorf("status attribute = %d, want 101", v.AsInt64())
	}
}

func TestQuietRoute(t *testing.T) {
	t.Parallel()
	for route, want := range map[string]bool{
		"GET /healthz":            true,
		"GET /readyz":             true,
		"GET /metrics":            true,
		"GET /":                   true,
		"POST /api/email/analyze": false,
		"GET /ws/voice":           false,
		"unmatched":               false,
	} {
		if got := quietRoute(route); got != want {
			t.Errorf("quietRoute(%q) = %v, want %v", route, got, want)
		}
	}
}
