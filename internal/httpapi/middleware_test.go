package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(RateLimit(base, 1, 1))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	var body map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("expected error message in body")
	}
	if body["request_id"] == "" {
		t.Fatalf("expected request_id in body")
	}

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("expected separate bucket per address, got %d", rr3.Code)
	}
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(ClientIP(nil)(RateLimit(base, 1, 1)))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr.Code)
	}

	rotated := req.Clone(context.Background())
	rotated.Header.Set("X-Forwarded-For", "203.0.113.2")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, rotated)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("a rotated X-Forwarded-For must not buy a fresh bucket, got %d", rr.Code)
	}
}

func TestClientIPResolution(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	cases := []struct {
		name    string
		trusted []netip.Prefix
		remote  string
		xff     []string
		want    string
	}{
		{name: "no proxies configured", remote: "198.51.100.7:5000", xff: []string{"203.0.113.9"}, want: "198.51.100.7"},
		{name: "untrusted peer", trusted: trusted, remote: "198.51.100.7:5000", xff: []string{"203.0.113.9"}, want: "198.51.100.7"},
		{name: "trusted proxy", trusted: trusted, remote: "10.1.2.3:5000", xff: []string{"203.0.113.9"}, want: "203.0.113.9"},
		{name: "spoofed leftmost hop", trusted: trusted, remote: "10.1.2.3:5000", xff: []string{"1.1.1.1, 203.0.113.9"}, want: "203.0.113.9"},
		{name: "proxy chain", trusted: trusted, remote: "10.1.2.3:5000", xff: []string{"203.0.113.9", "10.9.9.9"}, want: "203.0.113.9"},
		{name: "garbage hop", trusted: trusted, remote: "10.1.2.3:5000", xff: []string{"not-an-ip"}, want: "10.1.2.3"},
		{name: "no header", trusted: trusted, remote: "10.1.2.3:5000", want: "10.1.2.3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			handler := ClientIP(tc.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = clientIP(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for _, h := range tc.xff {
				req.Header.Add("X-Forwarded-For", h)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := RequestID(LoggingJSON(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.Header.Set(requestIDHeader, "rid-1")
	req.RemoteAddr = "127.0.0.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entries := logs.FilterMessage("request_complete").All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for 4xx, got %v", e.Level)
	}
	fields := e.ContextMap()
	for _, key := range []string{"request_id", "method", "path", "status", "duration_ms"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if fields["request_id"] != "rid-1" {
		t.Fatalf("unexpected request_id: %v", fields["request_id"])
	}
	if fields["status"] != int64(http.StatusTeapot) {
		t.Fatalf("unexpected status: %v", fields["status"])
	}
}

func TestRecovererAnswers500(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RequestID(Recoverer(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS([]string{"https://snt.example.org"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("preflight must not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/auth/login", nil)
	req.Header.Set("Origin", "https://snt.example.org")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://snt.example.org" {
		t.Fatalf("expected origin to be allowed")
	}

	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected origin allowed")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]bool{
		"Bearer abc": true,
		"bearer abc": true,
		"Basic abc":  false,
		"Bearer ":    false,
		"":           false,
		"Bear":       false,
	}
	for header, ok := range cases {
		_, err := extractBearerToken(header)
		if (err == nil) != ok {
			t.Fatalf("extractBearerToken(%q): err=%v", header, err)
		}
	}
}
