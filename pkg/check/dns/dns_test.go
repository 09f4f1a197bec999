package dns

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/kylerisse/nodectl/pkg/check"
	"github.com/kylerisse/nodectl/pkg/clock"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/store"
)

// startTestServer starts an in-process UDP DNS server on a random port.
// The server is shut down automatically when the test ends.
func startTestServer(t *testing.T, handler func(dns.ResponseWriter, *dns.Msg)) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(handler)}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

// zone answers A queries from a fixed table and NXDOMAIN otherwise.
func zone(records map[string]string) func(dns.ResponseWriter, *dns.Msg) {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		ip, ok := records[strings.ToLower(q.Name)]
		if !ok || q.Qtype != dns.TypeA {
			m.Rcode = dns.RcodeNameError
		} else {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(ip),
			})
		}
		_ = w.WriteMsg(m)
	}
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemory(clock.Fake(time.Unix(1700000000, 0)))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func registerNode(t *testing.T, s store.Store, id node.ID, ip string) {
	t.Helper()
	err := s.HSet(context.Background(), node.StatusKey(id), map[string]string{
		node.FieldNodeID: id.String(),
		node.FieldIP:     ip,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNew(t *testing.T) {
	q := []query{{name: "redis.site", qtype: dns.TypeA, expect: "10.1.0.2"}}

	chk, err := New("127.0.0.1:53", q, WithTimeout(7*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chk.Type() != TypeName {
		t.Errorf("expected type %q, got %q", TypeName, chk.Type())
	}
	if chk.timeout != 7*time.Second {
		t.Errorf("expected timeout 7s, got %v", chk.timeout)
	}

	if _, err := New("", q); err == nil {
		t.Error("expected error for empty server")
	}
	if _, err := New("127.0.0.1:53", nil); err == nil {
		t.Error("expected error with neither queries nor nodes")
	}
	if _, err := New("127.0.0.1:53", q, WithTimeout(0)); err == nil {
		t.Error("expected error for zero timeout")
	}
	if _, err := New("127.0.0.1:53", nil, WithNodes(nil)); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New("127.0.0.1:53", q, WithHostFormat("node")); err == nil {
		t.Error("expected error for host format without %d")
	}
}

func TestHostname(t *testing.T) {
	s := newStore(t)
	tests := []struct {
		opts []Option
		want string
	}{
		{nil, "heraNode23"},
		{[]Option{WithDomain("site.local.")}, "heraNode23.site.local"},
		{[]Option{WithHostFormat("ctl-%d")}, "ctl-23"},
	}
	for _, tt := range tests {
		chk, err := New("127.0.0.1:53", nil, append(tt.opts, WithNodes(s))...)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := chk.Hostname(23); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func TestFactory(t *testing.T) {
	s := newStore(t)
	factory := NewFactory(s)

	chk, err := factory(map[string]any{
		"server":      "127.0.0.1:53",
		"nodes":       true,
		"domain":      "site",
		"host_format": "heraNode%d",
		"timeout":     "5s",
		"queries": []any{
			map[string]any{"name": "redis.site.", "type": "a", "expect": "10.1.0.2"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := chk.(*Check)
	if c.timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", c.timeout)
	}
	if c.store == nil {
		t.Error("expected node lookups enabled")
	}
	if len(c.queries) != 1 || c.queries[0].name != "redis.site" {
		t.Errorf("unexpected queries %+v", c.queries)
	}
}

func TestFactory_Errors(t *testing.T) {
	factory := NewFactory(newStore(t))
	okQuery := []any{map[string]any{"name": "a.site", "type": "A", "expect": "1.2.3.4"}}

	tests := []struct {
		name   string
		config map[string]any
	}{
		{"missing server", map[string]any{"queries": okQuery}},
		{"empty server", map[string]any{"server": "", "queries": okQuery}},
		{"non-string server", map[string]any{"server": 53, "queries": okQuery}},
		{"nothing to check", map[string]any{"server": "127.0.0.1:53"}},
		{"nodes disabled and no queries", map[string]any{"server": "127.0.0.1:53", "nodes": false}},
		{"non-bool nodes", map[string]any{"server": "127.0.0.1:53", "nodes": "yes"}},
		{"queries not a list", map[string]any{"server": "127.0.0.1:53", "queries": "a.site"}},
		{"query not an object", map[string]any{"server": "127.0.0.1:53", "queries": []any{"a.site"}}},
		{"query missing name", map[string]any{"server": "127.0.0.1:53", "queries": []any{map[string]any{"type": "A", "expect": "1.2.3.4"}}}},
		{"query missing type", map[string]any{"server": "127.0.0.1:53", "queries": []any{map[string]any{"name": "a", "expect": "1.2.3.4"}}}},
		{"query missing expect", map[string]any{"server": "127.0.0.1:53", "queries": []any{map[string]any{"name": "a", "type": "A"}}}},
		{"unsupported type", map[string]any{"server": "127.0.0.1:53", "queries": []any{map[string]any{"name": "a", "type": "MX", "expect": "m."}}}},
		{"invalid timeout", map[string]any{"server": "127.0.0.1:53", "nodes": true, "timeout": "soon"}},
		{"non-string timeout", map[string]any{"server": "127.0.0.1:53", "nodes": true, "timeout": 5}},
		{"bad host format", map[string]any{"server": "127.0.0.1:53", "nodes": true, "host_format": "node"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := factory(tt.config); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidateAnswer(t *testing.T) {
	a := &dns.A{Hdr: dns.RR_Header{Rrtype: dns.TypeA}, A: net.ParseIP("10.1.1.23")}
	aaaa := &dns.AAAA{Hdr: dns.RR_Header{Rrtype: dns.TypeAAAA}, AAAA: net.ParseIP("2001:db8::1")}
	ptr := &dns.PTR{Hdr: dns.RR_Header{Rrtype: dns.TypePTR}, Ptr: "heraNode23.site."}

	tests := []struct {
		name   string
		rrs    []dns.RR
		qtype  uint16
		expect string
		ok     bool
	}{
		{"A match", []dns.RR{a}, dns.TypeA, "10.1.1.23", true},
		{"A mismatch", []dns.RR{a}, dns.TypeA, "10.1.1.24", false},
		{"AAAA match", []dns.RR{aaaa}, dns.TypeAAAA, "2001:db8:0::1", true},
		{"PTR trailing dot", []dns.RR{ptr}, dns.TypePTR, "heraNode23.site.", true},
		{"PTR no dot any case", []dns.RR{ptr}, dns.TypePTR, "heranode23.site", true},
		{"empty answer", nil, dns.TypeA, "10.1.1.23", false},
		{"wrong rr type", []dns.RR{aaaa}, dns.TypeA, "2001:db8::1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAnswer(tt.rrs, tt.qtype, tt.expect)
			if (err == nil) != tt.ok {
				t.Errorf("expected ok=%v, got %v", tt.ok, err)
			}
		})
	}
}

func TestRun_Nodes(t *testing.T) {
	addr := startTestServer(t, zone(map[string]string{
		"heranode1.site.": "10.1.1.1",
		"heranode2.site.": "10.1.1.2",
	}))
	s := newStore(t)
	registerNode(t, s, 1, "10.1.1.1")
	registerNode(t, s, 2, "10.1.1.2")

	chk, err := New(addr, nil, WithNodes(s), WithDomain("site"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := chk.Run(context.Background())
	if !result.Success {
		t.Fatalf("expected success, got failure: %v", result.Err)
	}
	for _, name := range []string{"heraNode1.site", "heraNode2.site"} {
		if result.Metrics[name] == nil {
			t.Errorf("expected RTT for %s", name)
		}
	}
	if result.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
}

func TestRun_NodeAddressMismatch(t *testing.T) {
	addr := startTestServer(t, zone(map[string]string{
		"heranode1.": "10.1.1.1",
		"heranode2.": "10.1.1.99",
	}))
	s := newStore(t)
	registerNode(t, s, 1, "10.1.1.1")
	registerNode(t, s, 2, "10.1.1.2")

	chk, err := New(addr, nil, WithNodes(s))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := chk.Run(context.Background())
	if result.Success {
		t.Fatal("expected failure when a node resolves elsewhere")
	}
	if result.Err == nil || !strings.Contains(result.Err.Error(), "heraNode2") {
		t.Errorf("expected error naming heraNode2, got %v", result.Err)
	}
	if result.Metrics["heraNode1"] == nil {
		t.Error("expected RTT for heraNode1")
	}
	if v, ok := result.Metrics["heraNode2"]; !ok || v != nil {
		t.Error("expected nil metric for heraNode2")
	}
}

func TestRun_NodesWithoutAddressSkipped(t *testing.T) {
	var calls atomic.Int32
	addr := startTestServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		calls.Add(1)
		zone(map[string]string{"redis.site.": "10.1.0.2"})(w, r)
	})
	s := newStore(t)
	if err := s.HSet(context.Background(), node.StatusKey(4), map[string]string{node.FieldNodeID: "4"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chk, err := New(addr, []query{{name: "redis.site", qtype: dns.TypeA, expect: "10.1.0.2"}}, WithNodes(s))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := chk.Run(context.Background())
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected only the fixed query, got %d lookups", calls.Load())
	}
}

func TestRun_NXDomain(t *testing.T) {
	addr := startTestServer(t, zone(nil))
	chk, err := New(addr, []query{{name: "missing.site", qtype: dns.TypeA, expect: "1.2.3.4"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := chk.Run(context.Background())
	if result.Success {
		t.Error("expected failure for NXDOMAIN")
	}
	if result.Err == nil || !strings.Contains(result.Err.Error(), "NXDOMAIN") {
		t.Errorf("expected NXDOMAIN error, got %v", result.Err)
	}
}

func TestRun_StoreUnavailable(t *testing.T) {
	s := newStore(t)
	chk, err := New("127.0.0.1:53", nil, WithNodes(s))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = s.Close()
	result := chk.Run(context.Background())
	if result.Success || result.Err == nil {
		t.Error("expected failure when the store is closed")
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	addr := startTestServer(t, zone(map[string]string{"a.site.": "1.2.3.4"}))
	chk, err := New(addr, []query{{name: "a.site", qtype: dns.TypeA, expect: "1.2.3.4"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if chk.Run(ctx).Success {
		t.Error("expected failure with cancelled context")
	}
}

func TestRegistryIntegration(t *testing.T) {
	reg := check.NewRegistry()
	if err := reg.Register(TypeName, NewFactory(newStore(t))); err != nil {
		t.Fatalf("failed to register dns: %v", err)
	}
	chk, err := reg.Create(TypeName, map[string]any{"server": "127.0.0.1:53", "nodes": true})
	if err != nil {
		t.Fatalf("failed to create dns check: %v", err)
	}
	if chk.Type() != TypeName {
		t.Errorf("expected type %q, got %q", TypeName, chk.Type())
	}
}
