package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kylerisse/nodectl/pkg/check"
	"github.com/kylerisse/nodectl/pkg/node"
)

func TestHandlePrometheus_BasicOutput(t *testing.T) {
	srv, s, _ := newTestServer(t)
	temp := 31.5
	putStatus(t, s, node.Status{
		ID:        8,
		IP:        "10.1.1.8",
		Timestamp: testNow.Add(-4 * time.Second),
		Power:     map[node.Rail]bool{node.RailFEM: true},
		Sensors:   node.Sensors{TempTop: &temp},
	})
	putStatus(t, s, node.Status{ID: 9, IP: "10.1.1.9", Timestamp: testNow.Add(-time.Hour)})
	srv.getOrCreateStatus("dns").SetResult(check.Result{
		Timestamp: testNow,
		Success:   true,
		Metrics:   map[string]*int64{"heraNode8": p64(1234), "heraNode9": nil},
	})

	w := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %q", ct)
	}

	body := w.Body.String()
	for _, want := range []string{
		"# TYPE node_up gauge",
		`node_up{node="8"} 1`,
		`node_up{node="9"} 0`,
		`node_age_seconds{node="8"} 4`,
		`node_power{node="8", rail="fem"} 1`,
		`node_power{node="8", rail="pam"} 0`,
		`node_sensor{node="8", sensor="temp_top"} 31.5`,
		`node_pending_commands{node="8"} 0`,
		`check_alive{check="dns"} 1`,
		`check_metric{check="dns", metric="heraNode8"} 1234`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in output:\n%s", want, body)
		}
	}
	if strings.Contains(body, "heraNode9") {
		t.Error("nil metrics should be omitted")
	}
	if strings.Contains(body, `sensor="temp_mid"`) {
		t.Error("unavailable sensors should be omitted")
	}
}

func TestHandlePrometheus_NoNodes(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	body := w.Body.String()
	if !strings.Contains(body, "# HELP check_alive") {
		t.Error("expected headers even with nothing to report")
	}
	if strings.Contains(body, "node_up{") {
		t.Error("expected no node samples")
	}
}

func TestHandlePrometheus_StoreUnavailable(t *testing.T) {
	srv, s, _ := newTestServer(t)
	_ = s.Close()
	if w := do(t, srv.Handler(), http.MethodGet, "/metrics", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestSanitizePrometheusLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{`back\slash`, `back\\slash`},
		{`say "hi"`, `say \"hi\"`},
		{"two\nlines", `two\nlines`},
	}
	for _, tt := range tests {
		if got := sanitizePrometheusLabel(tt.in); got != tt.want {
			t.Errorf("sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
