package httpkit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	if c := NewClient(); c.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", c.Timeout)
	}
	if c := NewClient(WithTimeout(0)); c.Timeout != 0 {
		t.Errorf("WithTimeout(0) = %v, want 0", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		opts   []ClientOption
		preset string
		want   string
	}{
		{name: "default", want: "persona-chatbot/"},
		{name: "override", opts: []ClientOption{WithUserAgent("TestBot/1.0")}, want: "TestBot/1.0"},
		{name: "caller header kept", preset: "CustomBot/2.0", want: "CustomBot/2.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", srv.URL, nil)
			if tt.preset != "" {
				req.Header.Set("User-Agent", tt.preset)
			}
			resp, err := NewClient(tt.opts...).Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if !strings.HasPrefix(string(body), tt.want) {
				t.Errorf("User-Agent = %q, want prefix %q", body, tt.want)
			}
		})
	}
}

func TestReadErrorBody(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("rate limited, slow down"))
	if got := ReadErrorBody(rc, 12); got != "rate limited" {
		t.Errorf("ReadErrorBody() = %q, want truncated body", got)
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}

func TestIsRetryableStatus(t *testing.T) {
	retryable := []int{408, 429, 500, 502, 503, 504}
	fatal := []int{200, 400, 401, 403, 404, 422}

	for _, code := range retryable {
		if !IsRetryableStatus(code) {
			t.Errorf("IsRetryableStatus(%d) = false, want true", code)
		}
	}
	for _, code := range fatal {
		if IsRetryableStatus(code) {
			t.Errorf("IsRetryableStatus(%d) = true, want false", code)
		}
	}
}

func TestIsConnectError(t *testing.T) {
	wrapped := &net.OpError{Op: "dial", Net: "tcp", Err: &net.OpError{Op: "connect", Err: syscall.ECONNREFUSED}}
	if !IsConnectError(wrapped) {
		t.Error("IsConnectError(ECONNREFUSED) = false")
	}
	if IsConnectError(syscall.ECONNRESET) {
		t.Error("IsConnectError(ECONNRESET) = true, reset can happen after the server saw the request")
	}
	if IsConnectError(errors.New("boom")) {
		t.Error("IsConnectError(plain error) = true")
	}
	if IsConnectError(nil) {
		t.Error("IsConnectError(nil) = true")
	}
}

// failingRoundTripper fails with EHOSTUNREACH for the first n calls.
type failingRoundTripper struct {
	failures int
	calls    int
	bodies   []string
}

func (f *failingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(b))
	}
	if f.calls <= f.failures {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.EHOSTUNREACH}
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ok"))}, nil
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		count     int
		wantCalls int
		wantErr   bool
	}{
		{name: "success first try", failures: 0, count: 2, wantCalls: 1},
		{name: "recovers", failures: 1, count: 2, wantCalls: 2},
		{name: "exhausted", failures: 10, count: 2, wantCalls: 3, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &failingRoundTripper{failures: tt.failures}
			rt := &retryTransport{base: ft, count: tt.count, delay: time.Millisecond}

			req, _ := http.NewRequest("GET", "http://example.com", nil)
			_, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RoundTrip() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_RewindsBody(t *testing.T) {
	ft := &failingRoundTripper{failures: 1}
	rt := &retryTransport{base: ft, count: 1, delay: time.Millisecond}

	req, _ := http.NewRequest("POST", "http://example.com", bytes.NewReader([]byte(`{"q":1}`)))
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatalf("RoundTrip() error: %v", err)
	}
	if len(ft.bodies) != 2 || ft.bodies[1] != `{"q":1}` {
		t.Errorf("bodies = %q, want body replayed on retry", ft.bodies)
	}
}

func TestRetryTransport_ContextCancelled(t *testing.T) {
	ft := &failingRoundTripper{failures: 10}
	rt := &retryTransport{base: ft, count: 5, delay: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", "http://example.com", nil)

	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RoundTrip() error = %v, want context.Canceled", err)
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}
