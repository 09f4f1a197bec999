package history

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kylerisse/nodectl/pkg/clock"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/store"
)

var testNow = time.Unix(1700000000, 0)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeRRD records rrdtool invocations.
type fakeRRD struct {
	mu         sync.Mutex
	calls      [][]string
	lastupdate string
	fail       string
}

func (f *fakeRRD) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	if len(args) > 0 && args[0] == f.fail {
		return []byte("ERROR: boom"), errors.New("exit status 1")
	}
	if len(args) > 0 && args[0] == "lastupdate" {
		return []byte(f.lastupdate), nil
	}
	return nil, nil
}

func (f *fakeRRD) count(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) > 1 && c[1] == sub {
			n++
		}
	}
	return n
}

func (f *fakeRRD) last(sub string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if len(f.calls[i]) > 1 && f.calls[i][1] == sub {
			return f.calls[i]
		}
	}
	return nil
}

func newTestRecorder(t *testing.T, opts ...Option) (*Recorder, *fakeRRD, *store.Memory, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(testNow)
	s := store.NewMemory(fc)
	opts = append([]Option{WithClock(fc), WithLogger(quietLogger())}, opts...)
	r, err := New(s, t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f := &fakeRRD{}
	r.run = f.run
	return r, f, s, fc
}

func p64(v float64) *float64 { return &v }

func TestNew_MissingDir(t *testing.T) {
	if _, err := New(store.NewMemory(nil), filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for a missing directory")
	}
}

func TestSourceValue(t *testing.T) {
	s := node.Status{
		Sensors: node.Sensors{TempTop: p64(21.456)},
		Power:   map[node.Rail]bool{node.RailFEM: true, node.RailPAM: true, node.RailSnap0: false},
	}
	want := []string{"21.46", "U", "U", "U", "U", "2.00"}
	for i, src := range Sources {
		if got := src.Value(s); got != want[i] {
			t.Errorf("%s: expected %q, got %q", src.DS, want[i], got)
		}
	}
	if got := Sources[len(Sources)-1].Value(node.Status{}); got != "U" {
		t.Errorf("expected unknown rails without power data, got %q", got)
	}
}

func TestRecord_CreatesAndUpdates(t *testing.T) {
	r, f, _, _ := newTestRecorder(t, WithStep(30*time.Second))
	ctx := context.Background()

	s := node.Status{ID: 4, Timestamp: testNow, Sensors: node.Sensors{Humid: p64(40)}}
	if err := r.Record(ctx, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	create := f.last("create")
	if create == nil {
		t.Fatal("expected rrdtool create")
	}
	joined := strings.Join(create, " ")
	for _, want := range []string{r.Path(4), "--step 30", "DS:temp_top:GAUGE:60:U:U", "DS:rails_on:GAUGE:60:U:U"} {
		if !strings.Contains(joined, want) {
			t.Errorf("create missing %q: %s", want, joined)
		}
	}
	update := f.last("update")
	if update == nil || update[3] != "1700000000:U:U:U:U:40.00:U" {
		t.Errorf("unexpected update %v", update)
	}

	// The same timestamp is not recorded twice.
	if err := r.Record(ctx, s); !errors.Is(err, ErrNotNewer) {
		t.Errorf("expected ErrNotNewer, got %v", err)
	}
	s.Timestamp = testNow.Add(time.Minute)
	if err := r.Record(ctx, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.count("create") != 1 || f.count("update") != 2 {
		t.Errorf("expected 1 create and 2 updates, got %v", f.calls)
	}
	if f.count("graph") != 0 {
		t.Error("graphs drawn without a graph directory")
	}
}

func TestRecord_ExistingFileResumes(t *testing.T) {
	r, f, _, _ := newTestRecorder(t)
	path := r.Path(2)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.lastupdate = " temp_top temp_mid\n\n1700000060: 1 2\n"

	err := r.Record(context.Background(), node.Status{ID: 2, Timestamp: testNow})
	if !errors.Is(err, ErrNotNewer) {
		t.Fatalf("expected ErrNotNewer, got %v", err)
	}
	if f.count("create") != 0 {
		t.Error("existing file recreated")
	}
}

func TestRecord_Errors(t *testing.T) {
	r, f, _, _ := newTestRecorder(t)
	if err := r.Record(context.Background(), node.Status{ID: 1}); err == nil {
		t.Error("expected error without a timestamp")
	}
	f.fail = "update"
	err := r.Record(context.Background(), node.Status{ID: 1, Timestamp: testNow})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected update failure, got %v", err)
	}
}

func TestRecord_Graphs(t *testing.T) {
	graphDir := t.TempDir()
	r, f, _, fc := newTestRecorder(t, WithGraphDir(graphDir))
	ctx := context.Background()

	if err := r.Record(ctx, node.Status{ID: 3, Timestamp: testNow}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	all := len(spans) * 2
	if got := f.count("graph"); got != all {
		t.Fatalf("expected %d graphs on first sample, got %d", all, got)
	}
	g := f.last("graph")
	if !strings.HasPrefix(g[2], filepath.Join(graphDir, "3")) {
		t.Errorf("graph written outside the node directory: %s", g[2])
	}

	// After a minute only the hourly graphs are due.
	fc.Advance(time.Minute)
	if err := r.Record(ctx, node.Status{ID: 3, Timestamp: fc.Now()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.count("graph"); got != all+2 {
		t.Errorf("expected 2 more graphs, got %d", got-all)
	}
}

func TestSample(t *testing.T) {
	r, f, s, _ := newTestRecorder(t)
	ctx := context.Background()
	for _, st := range []node.Status{
		{ID: 1, IP: "10.0.0.1", Timestamp: testNow},
		{ID: 2, IP: "10.0.0.2", Timestamp: testNow.Add(-time.Second)},
		// Registered but never reported.
		{ID: 3, IP: "10.0.0.3"},
	} {
		if err := s.HSet(ctx, node.StatusKey(st.ID), st.Hash()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	n, err := r.Sample(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 || f.count("update") != 2 {
		t.Errorf("expected 2 nodes recorded, got %d (%d updates)", n, f.count("update"))
	}

	// Nothing new was reported.
	n, err = r.Sample(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing recorded, got %d", n)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	r, _, _, fc := newTestRecorder(t)
	ctx, cancel := context.WithCancel(context.Background())
	fc.OnSleep(func(time.Time) {
		if fc.Sleeps() == 3 {
			cancel()
		}
	})
	if err := r.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fc.Slept() != 3*DefaultStep {
		t.Errorf("expected 3 steps, slept %v", fc.Slept())
	}
}

func TestParseLastUpdate(t *testing.T) {
	tests := []struct {
		out     string
		want    int64
		wantErr bool
	}{
		{" a b\n\n1700000000: 1 2\n", 1700000000, false},
		{"", 0, true},
		{" a\n\nnonsense", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLastUpdate(tt.out)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: unexpected error state: %v", tt.out, err)
		}
		if got != tt.want {
			t.Errorf("%q: expected %d, got %d", tt.out, tt.want, got)
		}
	}
}

func TestGraphArgs(t *testing.T) {
	gs := newGraphs(7, "/g/7", "/r/7/sensors.rrd")
	g := gs[0]
	args := strings.Join(g.args(), " ")
	for _, want := range []string{
		"/g/7/node7_temperature_1h.png",
		"node 7 temperatures over the last one hour",
		"--start now-1h",
		"DEF:temp_top=/r/7/sensors.rrd:temp_top:MAX",
		"GPRINT:temp_top:LAST:last\\: %.2lf C",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("graph args missing %q: %s", want, args)
		}
	}
	if rrdEscape(`a:b\c`) != `a\:b\\c` {
		t.Errorf("unexpected escape %q", rrdEscape(`a:b\c`))
	}
}

func TestRRDTool(t *testing.T) {
	if _, err := exec.LookPath("rrdtool"); err != nil {
		t.Skip("skipping: rrdtool not found on PATH")
	}
	fc := clock.Fake(time.Now())
	r, err := New(store.NewMemory(fc), t.TempDir(), WithClock(fc), WithLogger(quietLogger()), WithGraphDir(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		fc.Advance(time.Minute)
		s := node.Status{ID: 5, Timestamp: fc.Now(), Sensors: node.Sensors{TempTop: p64(20 + float64(i))}}
		if err := r.Record(ctx, s); err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
	}
	last, err := r.lastUpdate(ctx, r.Path(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last != fc.Now().Unix() {
		t.Errorf("expected last update %d, got %d", fc.Now().Unix(), last)
	}
}
