package registry

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/store"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeHandle struct {
	addr   string
	mu     sync.Mutex
	closed bool
}

func (f *fakeHandle) Addr() string { return f.addr }

func (f *fakeHandle) Send(context.Context, string, string) error { return nil }

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeHandle) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func fakeFactory(addr string) (Handle, error) {
	return &fakeHandle{addr: addr}, nil
}

func putStatus(t *testing.T, s store.Store, id int, ip string) {
	t.Helper()
	nid := node.ID(id)
	err := s.HSet(context.Background(), node.StatusKey(nid), map[string]string{
		node.FieldNodeID: nid.String(),
		node.FieldIP:     ip,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRefresh_StablePointers(t *testing.T) {
	s := store.NewMemory(nil)
	putStatus(t, s, 3, "10.1.1.23")
	putStatus(t, s, 4, "10.1.1.24")
	r := New(s, fakeFactory, WithLogger(testLogger()))

	ch, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ch.Added) != 2 {
		t.Fatalf("expected 2 added, got %v", ch)
	}
	first := r.Entries()

	ch, err = r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ch.Empty() {
		t.Errorf("expected no changes, got %v", ch)
	}
	second := r.Entries()
	if len(first) != len(second) {
		t.Fatalf("entry count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Handle != second[i].Handle {
			t.Errorf("node %d: sender was rebuilt without a change", first[i].ID)
		}
	}
}

func TestRefresh_Readdress(t *testing.T) {
	s := store.NewMemory(nil)
	putStatus(t, s, 3, "10.1.1.23")
	r := New(s, fakeFactory, WithLogger(testLogger()))
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	old, _ := r.Get(3)

	putStatus(t, s, 3, "10.1.1.99")
	ch, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ch.Readdressed) != 1 || ch.Readdressed[0] != 3 {
		t.Errorf("expected node 3 readdressed, got %v", ch)
	}
	h, _ := r.Get(3)
	if h.Addr() != "10.1.1.99" {
		t.Errorf("expected new address, got %s", h.Addr())
	}
	if !old.(*fakeHandle).isClosed() {
		t.Error("old sender should be closed")
	}
}

func TestRefresh_RemovesVanishedNodes(t *testing.T) {
	s := store.NewMemory(nil)
	putStatus(t, s, 3, "10.1.1.23")
	putStatus(t, s, 5, "10.1.1.25")
	r := New(s, fakeFactory, WithLogger(testLogger()))
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gone, _ := r.Get(5)

	if err := s.Del(context.Background(), node.StatusKey(5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ch, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ch.Removed) != 1 || ch.Removed[0] != 5 {
		t.Errorf("expected node 5 removed, got %v", ch)
	}
	if _, ok := r.Get(5); ok {
		t.Error("node 5 should be gone")
	}
	if !gone.(*fakeHandle).isClosed() {
		t.Error("removed sender should be closed")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 node, got %d", r.Len())
	}
}

func TestRefresh_InitializesNewNodes(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(nil)
	putStatus(t, s, 3, "10.1.1.23")
	putStatus(t, s, 4, "10.1.1.24")
	if err := s.HSet(ctx, node.CommandKey(3), map[string]string{
		node.RailFEM.TriggerField(): node.FlagTrue,
		node.RailFEM.CommandField(): node.On,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.HSet(ctx, node.ThrottleKey(4), map[string]string{node.FieldLastCommand: "1700000000.5"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := New(s, fakeFactory, WithLogger(testLogger()))
	if _, err := r.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	trig, _, _ := s.HGet(ctx, node.CommandKey(3), node.RailFEM.TriggerField())
	if trig != node.FlagFalse {
		t.Errorf("expected stale trigger cleared, got %q", trig)
	}
	cmd, _, _ := s.HGet(ctx, node.CommandKey(3), node.RailFEM.CommandField())
	if cmd != node.On {
		t.Errorf("command value should survive initialisation, got %q", cmd)
	}
	reset, _, _ := s.HGet(ctx, node.CommandKey(3), node.FieldReset)
	if reset != node.FlagFalse {
		t.Errorf("expected reset cleared, got %q", reset)
	}

	seeded, _, _ := s.HGet(ctx, node.ThrottleKey(3), node.FieldLastCommand)
	if seeded != "0" {
		t.Errorf("expected throttle seeded to 0, got %q", seeded)
	}
	kept, _, _ := s.HGet(ctx, node.ThrottleKey(4), node.FieldLastCommand)
	if kept != "1700000000.5" {
		t.Errorf("existing throttle must not be overwritten, got %q", kept)
	}
}

func TestRefresh_NoInit(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(nil)
	putStatus(t, s, 3, "10.1.1.23")
	if err := s.HSet(ctx, node.CommandKey(3), map[string]string{node.FieldReset: node.FlagTrue}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := New(s, fakeFactory, WithLogger(testLogger()), WithInitTriggers(false))
	if _, err := r.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reset, _, _ := s.HGet(ctx, node.CommandKey(3), node.FieldReset)
	if reset != node.FlagTrue {
		t.Errorf("registry without init must not touch commands, got %q", reset)
	}
	if _, ok, _ := s.HGet(ctx, node.ThrottleKey(3), node.FieldLastCommand); ok {
		t.Error("registry without init must not seed the throttle")
	}
}

func TestRefresh_IgnoresMalformedIDs(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(nil)
	putStatus(t, s, 3, "10.1.1.23")
	if err := s.HSet(ctx, "status:node:x", map[string]string{node.FieldNodeID: "abc"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.HSet(ctx, "status:node:7", map[string]string{node.FieldIP: "10.1.1.27"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := New(s, fakeFactory, WithLogger(testLogger()))
	if _, err := r.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("expected only node 3, got %v", r.Entries())
	}
}

func TestRefresh_StoreUnavailable(t *testing.T) {
	s := store.NewMemory(nil)
	putStatus(t, s, 3, "10.1.1.23")
	_ = s.Close()

	r := New(s, fakeFactory, WithLogger(testLogger()))
	if _, err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected error from closed store")
	}
}

func TestClose(t *testing.T) {
	s := store.NewMemory(nil)
	putStatus(t, s, 3, "10.1.1.23")
	r := New(s, fakeFactory, WithLogger(testLogger()))
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h, _ := r.Get(3)
	if err := r.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !h.(*fakeHandle).isClosed() || r.Len() != 0 {
		t.Error("Close should close every sender and empty the registry")
	}
}
