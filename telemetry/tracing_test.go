package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
)

func TestHTTPSpanAttributes(t *testing.T) {
	cases := []struct {
		name      string
		attr      func() (string, string)
		wantKey   string
		wantValue string
	}{
		{
			name: "method",
			attr: func() (string, string) {
				kv := HTTPMethodAttr("GET")
				return string(kv.Key), kv.Value.AsString()
			},
			wantKey:   "http.method",
			wantValue: "GET",
		},
		{
			name: "route",
			attr: func() (string, string) {
				kv := HTTPRouteAttr("/chat/stream")
				return string(kv.Key), kv.Value.AsString()
			},
			wantKey:   "http.route",
			wantValue: "/chat/stream",
		},
		{
			name: "url",
			attr: func() (string, string) {
				kv := HTTPURLAttr("http://localhost/chat/stream?channel=twitch:pajlada")
				return string(kv.Key), kv.Value.AsString()
			},
			wantKey:   "http.url",
			wantValue: "http://localhost/chat/stream?channel=twitch:pajlada",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, value := tc.attr()
			if key != tc.wantKey || value != tc.wantValue {
				t.Errorf("attribute = %s=%q, want %s=%q", key, value, tc.wantKey, tc.wantValue)
			}
		})
	}
}

func TestErrorStatus(t *testing.T) {
	code, msg := ErrorStatus("HTTP 503")
	if code != codes.Error {
		t.Errorf("code = %v, want codes.Error", code)
	}
	if msg != "HTTP 503" {
		t.Errorf("msg = %q, want HTTP 503", msg)
	}
}

// Span helpers must be safe with tracing disabled (no-op tracer provider).
func TestSpanHelpersWithoutTracer(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test", "test-span", HTTPMethodAttr("GET"))
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	SetSpanHTTPStatus(span, 200)
	RecordError(span, errors.New("boom"))
	SetSpanSuccess(span)
	span.End()
}
