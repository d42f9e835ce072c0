package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RealtimeEvent("message-create")
	m.RealtimeDropped("queue_full")
	m.CacheMutation("add", true)
	m.Fetch("fetch_chats", errors.New("boom"))
	m.BusDrop()
	m.Subscribed()
	if m.Registry() != nil {
		t.Error("nil Metrics returned a registry")
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.RealtimeEvent("message-create")
	m.CacheMutation("add", false)
	m.Fetch("fetch_messages", nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`chatsync_realtime_events_total{kind="message-create"} 1`,
		`chatsync_cache_mutations_total{op="add",outcome="unknown_chat"} 1`,
		`chatsync_backend_fetches_total{op="fetch_messages",result="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
