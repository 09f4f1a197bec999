// Package history keeps a round-robin record of what each node reports,
// one rrdtool database per node, and draws trend graphs from it.
//
// rrdtool is run as an external command. Files live under
// {dir}/{node}/sensors.rrd and graphs under {graphDir}/{node}/.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kylerisse/nodectl/pkg/clock"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/store"
)

// DefaultStep is the interval between samples.
const DefaultStep = time.Minute

// ErrNotNewer is returned when a status is no newer than the last sample.
var ErrNotNewer = errors.New("history: status is not newer than the last sample")

// Source is one data source stored for every node.
type Source struct {
	DS    string
	Label string
	Unit  string
	value func(node.Status) *float64
}

// Value formats the source's reading from s, or "U" (unknown) when absent.
func (src Source) Value(s node.Status) string {
	v := src.value(s)
	if v == nil {
		return "U"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func railsOn(s node.Status) *float64 {
	if s.Power == nil {
		return nil
	}
	var n float64
	for _, r := range node.Rails {
		if s.Power[r] {
			n++
		}
	}
	return &n
}

// Sources lists the data sources in database order.
var Sources = []Source{
	{"temp_top", "top", "C", func(s node.Status) *float64 { return s.Sensors.TempTop }},
	{"temp_mid", "middle", "C", func(s node.Status) *float64 { return s.Sensors.TempMid }},
	{"temp_bot", "bottom", "C", func(s node.Status) *float64 { return s.Sensors.TempBot }},
	{"temp_humid", "humidity sensor", "C", func(s node.Status) *float64 { return s.Sensors.TempHumid }},
	{"humid", "humidity", "%", func(s node.Status) *float64 { return s.Sensors.Humid }},
	{"rails_on", "rails on", "rails", railsOn},
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Recorder samples node statuses from the store into per-node databases.
type Recorder struct {
	store    store.Store
	dir      string
	graphDir string
	step     time.Duration
	clock    clock.Clock
	logger   *logrus.Logger
	run      runFunc

	mu    sync.Mutex
	files map[node.ID]*database
}

type database struct {
	path   string
	last   int64
	graphs []*graph
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithStep sets the sampling interval, which is also the database step.
func WithStep(d time.Duration) Option {
	return func(r *Recorder) {
		if d >= time.Second {
			r.step = d
		}
	}
}

// WithGraphDir enables graph drawing into dir.
func WithGraphDir(dir string) Option {
	return func(r *Recorder) { r.graphDir = dir }
}

func WithClock(c clock.Clock) Option {
	return func(r *Recorder) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(l *logrus.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a recorder writing under dir, which must exist.
func New(s store.Store, dir string, opts ...Option) (*Recorder, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	r := &Recorder{
		store:  s,
		dir:    dir,
		step:   DefaultStep,
		clock:  clock.Real(),
		logger: logrus.StandardLogger(),
		run:    runCommand,
		files:  make(map[node.ID]*database),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Path returns the database file of a node.
func (r *Recorder) Path(id node.ID) string {
	return filepath.Join(r.dir, id.String(), "sensors.rrd")
}

func (r *Recorder) createArgs(path string) []string {
	secs := int64(r.step / time.Second)
	args := []string{"create", path, "--step", strconv.FormatInt(secs, 10)}
	for _, src := range Sources {
		args = append(args, fmt.Sprintf("DS:%s:GAUGE:%d:U:U", src.DS, 2*secs))
	}
	// Rows are sized for one minute steps: a week at full resolution, a
	// month of 5 step averages, a year of hourly and five years of 8 hour.
	return append(args,
		"RRA:MAX:0.5:1:10080",
		"RRA:AVERAGE:0.5:1:10080",
		"RRA:AVERAGE:0.5:5:8928",
		"RRA:AVERAGE:0.5:60:8784",
		"RRA:AVERAGE:0.5:480:5490",
	)
}

// open returns the database of id, creating the file when absent.
func (r *Recorder) open(ctx context.Context, id node.ID) (*database, error) {
	if db, ok := r.files[id]; ok {
		return db, nil
	}
	path := r.Path(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	db := &database{path: path}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if out, err := r.run(ctx, "rrdtool", r.createArgs(path)...); err != nil {
			return nil, fmt.Errorf("history: rrdtool create %s: %w: %s", path, err, strings.TrimSpace(string(out)))
		}
		r.logger.Debugf("history: created %s", path)
	} else {
		last, err := r.lastUpdate(ctx, path)
		if err != nil {
			return nil, err
		}
		db.last = last
	}

	if r.graphDir != "" {
		dir := filepath.Join(r.graphDir, id.String())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		db.graphs = newGraphs(id, dir, path)
	}
	r.files[id] = db
	return db, nil
}

// lastUpdate reads the time of the newest sample in path.
func (r *Recorder) lastUpdate(ctx context.Context, path string) (int64, error) {
	out, err := r.run(ctx, "rrdtool", "lastupdate", path)
	if err != nil {
		return 0, fmt.Errorf("history: rrdtool lastupdate %s: %w", path, err)
	}
	return parseLastUpdate(string(out))
}

// parseLastUpdate reads the timestamp from rrdtool lastupdate output: a
// header of data source names, a blank line, then "ts: v1 v2 ...".
func parseLastUpdate(out string) (int64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("history: unexpected lastupdate output %q", out)
	}
	ts, _, ok := strings.Cut(lines[len(lines)-1], ":")
	if !ok {
		return 0, fmt.Errorf("history: unexpected lastupdate line %q", lines[len(lines)-1])
	}
	return strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
}

// Record stores one status sample.
func (r *Recorder) Record(ctx context.Context, s node.Status) error {
	if s.Timestamp.IsZero() {
		return fmt.Errorf("history: node %d status has no timestamp", s.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.open(ctx, s.ID)
	if err != nil {
		return err
	}
	ts := s.Timestamp.Unix()
	if ts <= db.last {
		return ErrNotNewer
	}

	parts := []string{strconv.FormatInt(ts, 10)}
	for _, src := range Sources {
		parts = append(parts, src.Value(s))
	}
	if out, err := r.run(ctx, "rrdtool", "update", db.path, strings.Join(parts, ":")); err != nil {
		return fmt.Errorf("history: rrdtool update %s: %w: %s", db.path, err, strings.TrimSpace(string(out)))
	}
	db.last = ts

	now := r.clock.Now()
	for _, g := range db.graphs {
		if !g.due(now) {
			continue
		}
		if err := g.draw(ctx, r.run); err != nil {
			r.logger.Errorf("history: %v", err)
			continue
		}
		g.lastDrawn = now
	}
	return nil
}

// Sample records the current status of every node in the store and
// returns how many were recorded.
func (r *Recorder) Sample(ctx context.Context) (int, error) {
	keys, err := r.store.Keys(ctx, node.StatusPattern)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		h, err := r.store.HGetAll(ctx, k)
		if err != nil {
			return n, err
		}
		if len(h) < node.MinStatusFields {
			continue
		}
		s := node.StatusFromHash(h)
		if s.Timestamp.IsZero() || !s.ID.Valid() {
			continue
		}
		switch err := r.Record(ctx, s); {
		case err == nil:
			n++
		case errors.Is(err, ErrNotNewer):
			r.logger.Debugf("history: node %d has not reported since the last sample", s.ID)
		default:
			r.logger.Warnf("history: node %d: %v", s.ID, err)
		}
	}
	return n, nil
}

// Run samples every step until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	r.logger.Infof("history: sampling every %v into %s", r.step, r.dir)
	for {
		if n, err := r.Sample(ctx); err != nil {
			r.logger.Warnf("history: sample failed: %v", err)
		} else {
			r.logger.Debugf("history: recorded %d nodes", n)
		}
		if err := r.clock.Sleep(ctx, r.step); err != nil {
			return nil
		}
	}
}
