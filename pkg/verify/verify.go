// Package verify compares the power state nodes report against the state
// an operator asked for.
//
// A node whose last beacon is older than the staleness threshold is never
// counted as wrong: the command may well have worked, there is simply no
// fresh evidence either way.
package verify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kylerisse/nodectl/pkg/clock"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/store"
)

// Defaults for Checker.
const (
	DefaultStaleAfter = 10 * time.Second
	DefaultPoll       = time.Second
)

// Class is the verification outcome for one node.
type Class string

const (
	ClassStale   Class = "stale"
	ClassCorrect Class = "correct"
	ClassWrong   Class = "wrong"
)

// Result is the classification of one node.
type Result struct {
	ID    node.ID       `json:"node_id"`
	Class Class         `json:"class"`
	Age   time.Duration `json:"age"`
	// Wrong lists the rails whose observed state differs from the
	// expectation, in dispatch order.
	Wrong []node.Rail `json:"wrong,omitempty"`
}

// Report classifies a set of nodes, ordered by id.
type Report struct {
	Results []Result `json:"results"`
}

// IDs returns the ids in the given class.
func (r Report) IDs(c Class) []node.ID {
	var out []node.ID
	for _, res := range r.Results {
		if res.Class == c {
			out = append(out, res.ID)
		}
	}
	return out
}

// Done reports whether every node is correct.
func (r Report) Done() bool {
	for _, res := range r.Results {
		if res.Class != ClassCorrect {
			return false
		}
	}
	return true
}

// WrongFraction is the share of nodes observed in the wrong state. Stale
// nodes count in the denominator but never as wrong.
func (r Report) WrongFraction() float64 {
	if len(r.Results) == 0 {
		return 0
	}
	return float64(len(r.IDs(ClassWrong))) / float64(len(r.Results))
}

func (r Report) String() string {
	return fmt.Sprintf("correct %v, wrong %v, stale %v", r.IDs(ClassCorrect), r.IDs(ClassWrong), r.IDs(ClassStale))
}

// Classify grades each node in expect against its status. A missing status
// is stale.
func Classify(statuses map[node.ID]node.Status, expect map[node.ID]map[node.Rail]bool, staleAfter time.Duration, now time.Time) Report {
	ids := make([]node.ID, 0, len(expect))
	for id := range expect {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rep := Report{Results: make([]Result, 0, len(ids))}
	for _, id := range ids {
		st, ok := statuses[id]
		if !ok || st.Stale(now, staleAfter) {
			res := Result{ID: id, Class: ClassStale}
			if ok {
				res.Age = st.Age(now)
			}
			rep.Results = append(rep.Results, res)
			continue
		}

		res := Result{ID: id, Class: ClassCorrect, Age: st.Age(now)}
		for _, r := range node.Rails {
			want, asked := expect[id][r]
			if asked && st.Power[r] != want {
				res.Wrong = append(res.Wrong, r)
			}
		}
		if len(res.Wrong) > 0 {
			res.Class = ClassWrong
		}
		rep.Results = append(rep.Results, res)
	}
	return rep
}

// Expect builds an expectation setting the same rails to the same value on
// every node.
func Expect(ids []node.ID, rails []node.Rail, on bool) map[node.ID]map[node.Rail]bool {
	out := make(map[node.ID]map[node.Rail]bool, len(ids))
	for _, id := range ids {
		m := make(map[node.Rail]bool, len(rails))
		for _, r := range rails {
			m[r] = on
		}
		out[id] = m
	}
	return out
}

// Checker reads statuses from the store and classifies them.
type Checker struct {
	store      store.Store
	clock      clock.Clock
	staleAfter time.Duration
	poll       time.Duration
}

// Option configures a Checker.
type Option func(*Checker)

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(ch *Checker) { ch.clock = c }
}

// WithStaleAfter sets the staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(ch *Checker) { ch.staleAfter = d }
}

// WithPoll sets the interval between re-reads in Wait.
func WithPoll(d time.Duration) Option {
	return func(ch *Checker) { ch.poll = d }
}

// NewChecker creates a Checker reading from s.
func NewChecker(s store.Store, opts ...Option) *Checker {
	ch := &Checker{
		store:      s,
		clock:      clock.Real(),
		staleAfter: DefaultStaleAfter,
		poll:       DefaultPoll,
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// Statuses reads the status hash of each id. Ids without a status are
// absent from the result.
func (ch *Checker) Statuses(ctx context.Context, ids []node.ID) (map[node.ID]node.Status, error) {
	out := make(map[node.ID]node.Status, len(ids))
	for _, id := range ids {
		h, err := ch.store.HGetAll(ctx, node.StatusKey(id))
		if err != nil {
			return nil, err
		}
		if len(h) < node.MinStatusFields {
			continue
		}
		out[id] = node.StatusFromHash(h)
	}
	return out, nil
}

// Check classifies the current statuses once.
func (ch *Checker) Check(ctx context.Context, expect map[node.ID]map[node.Rail]bool) (Report, error) {
	ids := make([]node.ID, 0, len(expect))
	for id := range expect {
		ids = append(ids, id)
	}
	statuses, err := ch.Statuses(ctx, ids)
	if err != nil {
		return Report{}, err
	}
	return Classify(statuses, expect, ch.staleAfter, ch.clock.Now()), nil
}

// Wait re-checks until every node is correct or timeout elapses, and
// returns the last report. Cancelling ctx returns the last report with the
// context's error.
func (ch *Checker) Wait(ctx context.Context, expect map[node.ID]map[node.Rail]bool, timeout time.Duration) (Report, error) {
	deadline := ch.clock.Now().Add(timeout)
	for {
		rep, err := ch.Check(ctx, expect)
		if err != nil {
			return rep, err
		}
		if rep.Done() || !ch.clock.Now().Before(deadline) {
			return rep, nil
		}
		if err := ch.clock.Sleep(ctx, ch.poll); err != nil {
			return rep, err
		}
	}
}
