package server

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/kylerisse/nodectl/pkg/node"
)

// handlePrometheus writes Prometheus-formatted metrics for every node and
// check.
func (s *Server) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.loadNodes(r.Context())
	if err != nil {
		s.logger.Errorf("Metrics: %v", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	var b bytes.Buffer
	b.WriteString("# HELP node_up Whether the node status is fresh (1) or stale (0).\n")
	b.WriteString("# TYPE node_up gauge\n")
	b.WriteString("# HELP node_age_seconds Age of the last node status.\n")
	b.WriteString("# TYPE node_age_seconds gauge\n")
	b.WriteString("# HELP node_power Reported rail state (1=on, 0=off).\n")
	b.WriteString("# TYPE node_power gauge\n")
	b.WriteString("# HELP node_sensor Environmental sensor reading.\n")
	b.WriteString("# TYPE node_sensor gauge\n")
	b.WriteString("# HELP node_pending_commands Commands waiting for dispatch.\n")
	b.WriteString("# TYPE node_pending_commands gauge\n")

	for _, n := range nodes {
		id := n.Status.ID.String()
		up := 1
		if n.Stale {
			up = 0
		}
		fmt.Fprintf(&b, "node_up{node=\"%s\"} %d\n", id, up)
		if n.AgeSeconds >= 0 {
			fmt.Fprintf(&b, "node_age_seconds{node=\"%s\"} %g\n", id, n.AgeSeconds)
		}
		for _, rail := range node.Rails {
			on, ok := n.Status.Power[rail]
			if !ok {
				continue
			}
			v := 0
			if on {
				v = 1
			}
			fmt.Fprintf(&b, "node_power{node=\"%s\", rail=\"%s\"} %d\n", id, rail, v)
		}
		sensors := n.Status.Sensors.Map()
		names := make([]string, 0, len(sensors))
		for k := range sensors {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fmt.Fprintf(&b, "node_sensor{node=\"%s\", sensor=\"%s\"} %g\n", id, sanitizePrometheusLabel(k), sensors[k])
		}
		fmt.Fprintf(&b, "node_pending_commands{node=\"%s\"} %d\n", id, len(n.Pending))
	}

	b.WriteString("# HELP check_alive Whether the check passed (1=up, 0=down).\n")
	b.WriteString("# TYPE check_alive gauge\n")
	b.WriteString("# HELP check_metric Check metric value.\n")
	b.WriteString("# TYPE check_metric gauge\n")

	snaps := s.checkStatuses()
	checks := make([]string, 0, len(snaps))
	for name := range snaps {
		checks = append(checks, name)
	}
	sort.Strings(checks)
	for _, name := range checks {
		snap := snaps[name]
		label := sanitizePrometheusLabel(name)
		alive := 0
		if snap.Alive {
			alive = 1
		}
		fmt.Fprintf(&b, "check_alive{check=\"%s\"} %d\n", label, alive)

		keys := make([]string, 0, len(snap.Metrics))
		for k := range snap.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := snap.Metrics[k]
			if v == nil {
				continue
			}
			fmt.Fprintf(&b, "check_metric{check=\"%s\", metric=\"%s\"} %d\n", label, sanitizePrometheusLabel(k), *v)
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write(b.Bytes())
}

// sanitizePrometheusLabel escapes backslash, double-quote, and newline
// characters in a Prometheus label value.
func sanitizePrometheusLabel(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
