package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-ID")
	})

	rec := serve(RequestID(inner), httptest.NewRequest("GET", "/", nil))
	id := rec.Header().Get("X-Request-ID")
	if len(id) != 16 {
		t.Errorf("generated id = %q, want 16 hex chars", id)
	}
	if seen != id {
		t.Errorf("handler saw %q, response carries %q", seen, id)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	if got := serve(RequestID(inner), req).Header().Get("X-Request-ID"); got != "upstream-id" {
		t.Errorf("provided id replaced with %q", got)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	req := httptest.NewRequest("GET", "/api/v1/queue", nil)
	req.Header.Set("X-Request-ID", "abc123")
	serve(RequestID(Logger(log)(inner)), req)

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("access log %q: %v", buf.String(), err)
	}
	if line["request_id"] != "abc123" || line["path"] != "/api/v1/queue" || line["status"] != float64(http.StatusTeapot) {
		t.Errorf("access log = %v", line)
	}
}

func TestCORSWithOrigins(t *testing.T) {
	allowed := []string{"https://app.example.org"}
	tests := []struct {
		name       string
		origins    []string
		method     string
		origin     string
		wantCode   int
		wantAllow  string
		wantVary   bool
		wantCalled bool
	}{
		{"open_get", nil, "GET", "https://any.org", http.StatusOK, "*", false, true},
		{"open_preflight", nil, "OPTIONS", "https://any.org", http.StatusNoContent, "*", false, false},
		{"allowed_get", allowed, "GET", "https://app.example.org", http.StatusOK, "https://app.example.org", true, true},
		{"allowed_preflight", allowed, "OPTIONS", "https://app.example.org", http.StatusNoContent, "https://app.example.org", true, false},
		{"other_origin_still_served", allowed, "GET", "https://evil.org", http.StatusOK, "", false, true},
		{"other_origin_preflight_refused", allowed, "OPTIONS", "https://evil.org", http.StatusForbidden, "", false, false},
		{"no_origin_header", allowed, "GET", "", http.StatusOK, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
			req := httptest.NewRequest(tt.method, "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := serve(CORSWithOrigins(tt.origins)(inner), req)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("allow-origin = %q, want %q", got, tt.wantAllow)
			}
			if got := rec.Header().Get("Vary") == "Origin"; got != tt.wantVary {
				t.Errorf("vary origin = %v, want %v", got, tt.wantVary)
			}
			if called != tt.wantCalled {
				t.Errorf("handler called = %v, want %v", called, tt.wantCalled)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	h := RateLimiter(1, 2)(okHandler)
	hit := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = addr
		return serve(h, req)
	}

	for i := 0; i < 2; i++ {
		if rec := hit("10.0.0.1:4000"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: status %d", i, rec.Code)
		}
	}
	rec := hit("10.0.0.1:4001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over burst: status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Error("missing Retry-After")
	}
	if rec := hit("10.0.0.2:4000"); rec.Code != http.StatusOK {
		t.Errorf("second client throttled: %d", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		query  string
		want   int
	}{
		{"no_token_configured", "", "", "", http.StatusOK},
		{"header", "s3cret", "Bearer s3cret", "", http.StatusOK},
		{"wrong_header", "s3cret", "Bearer nope", "", http.StatusUnauthorized},
		{"basic_scheme", "s3cret", "Basic czNjcmV0", "", http.StatusUnauthorized},
		{"missing", "s3cret", "", "", http.StatusUnauthorized},
		{"query_for_event_source", "s3cret", "", "s3cret", http.StatusOK},
		{"wrong_query", "s3cret", "", "nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest("GET", target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := serve(BearerAuth(tt.token)(okHandler), req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if rec.Code == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), "unauthorized") {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestRequireAuth(t *testing.T) {
	if rec := serve(RequireAuth("")(okHandler), httptest.NewRequest("POST", "/", nil)); rec.Code != http.StatusForbidden {
		t.Errorf("without token: status %d, want 403", rec.Code)
	}
	if rec := serve(RequireAuth("s3cret")(okHandler), httptest.NewRequest("POST", "/", nil)); rec.Code != http.StatusOK {
		t.Errorf("with token: status %d, want 200", rec.Code)
	}
}

func TestRecoverer(t *testing.T) {
	panicker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	rec := serve(Recoverer(panicker), httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error != "internal server error" {
		t.Errorf("body = %q (%v)", rec.Body.String(), err)
	}
	if rec := serve(Recoverer(okHandler), httptest.NewRequest("GET", "/", nil)); rec.Code != http.StatusOK {
		t.Errorf("pass-through status = %d", rec.Code)
	}
}
