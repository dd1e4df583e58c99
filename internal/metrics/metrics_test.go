package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.Turn("answered", 1500*time.Millisecond)
	m.Turn("cache_hit", 200*time.Millisecond)
	m.ToolCall("query_qa", "ok")
	m.ToolCall("query_qa", "ok")
	m.ToolCall("upsert_qa", "rejected")
	m.CacheLookup("hit")
	m.EngineCall("error")
	m.Delivery("pushover", "failed")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"turns answered", testutil.ToFloat64(m.Turns.WithLabelValues("answered")), 1},
		{"lookups ok", testutil.ToFloat64(m.ToolCalls.WithLabelValues("query_qa", "ok")), 2},
		{"store rejected", testutil.ToFloat64(m.ToolCalls.WithLabelValues("upsert_qa", "rejected")), 1},
		{"cache hit", testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")), 1},
		{"engine error", testutil.ToFloat64(m.EngineCalls.WithLabelValues("error")), 1},
		{"pushover failed", testutil.ToFloat64(m.Notifications.WithLabelValues("pushover", "failed")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if n := testutil.CollectAndCount(m.TurnDuration); n != 1 {
		t.Errorf("turn duration series = %d, want 1", n)
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.CacheLookup("miss")
	if got := testutil.ToFloat64(b.CacheLookups.WithLabelValues("miss")); got != 0 {
		t.Errorf("second instance sees %v lookups", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Turn("answered", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`persona_turns_total{outcome="answered"} 1`,
		"persona_turn_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition lacks %q", want)
		}
	}
}
