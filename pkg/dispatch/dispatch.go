// Package dispatch moves operator intent from the shared store to the node
// controllers.
//
// Each pass visits every registered node and, for each rail in a fixed
// order, sends the requested command when its trigger is set, clears the
// trigger and stamps the node's throttle. Consecutive commands to one node
// are always at least CmdTime apart.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kylerisse/nodectl/pkg/clock"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/registry"
	"github.com/kylerisse/nodectl/pkg/sender"
	"github.com/kylerisse/nodectl/pkg/store"
	"github.com/sirupsen/logrus"
)

// Defaults for Config.
const (
	DefaultCmdTime      = 2 * time.Second
	DefaultThrottlePoll = 100 * time.Millisecond
	DefaultCmdCheck     = 50 * time.Millisecond
	DefaultNodeRefresh  = 10 * time.Second
)

// Mode selects how a throttled command waits.
type Mode int

const (
	// ModeSkip leaves a throttled trigger set and moves on to the next
	// node. The node's remaining rails are deferred to the next pass.
	ModeSkip Mode = iota
	// ModeWait polls the throttle until the window elapses, holding up
	// every other node meanwhile.
	ModeWait
)

// ParseMode parses "skip" or "wait".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return ModeSkip, nil
	case "wait":
		return ModeWait, nil
	}
	return 0, fmt.Errorf("unknown throttle mode %q", s)
}

func (m Mode) String() string {
	if m == ModeWait {
		return "wait"
	}
	return "skip"
}

// Config holds the loop timing.
type Config struct {
	CmdTime       time.Duration
	ThrottlePoll  time.Duration
	CmdCheck      time.Duration
	NodeRefresh   time.Duration
	Mode          Mode
	ThrottleReset bool
}

// DefaultConfig returns the production timing.
func DefaultConfig() Config {
	return Config{
		CmdTime:       DefaultCmdTime,
		ThrottlePoll:  DefaultThrottlePoll,
		CmdCheck:      DefaultCmdCheck,
		NodeRefresh:   DefaultNodeRefresh,
		Mode:          ModeSkip,
		ThrottleReset: true,
	}
}

// action is one row of the dispatch table.
type action struct {
	name    string
	trigger string
	cmd     string // empty for commands without a value
	last    string
	reset   bool
}

// actions lists every dispatchable command in order: the power rails, then
// reset.
var actions = func() []action {
	out := make([]action, 0, len(node.Rails)+1)
	for _, r := range node.Rails {
		out = append(out, action{
			name:    string(r),
			trigger: r.TriggerField(),
			cmd:     r.CommandField(),
			last:    r.LastField(),
		})
	}
	return append(out, action{
		name:    sender.CommandReset,
		trigger: node.FieldReset,
		last:    node.FieldResetLast,
		reset:   true,
	})
}()

// Stats counts what one pass did.
type Stats struct {
	Sent     int
	Failed   int
	Deferred int
}

// Dispatcher runs the command loop.
type Dispatcher struct {
	store    store.Store
	registry *registry.Registry
	cfg      Config
	clock    clock.Clock
	logger   *logrus.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher for the nodes in reg.
func New(s store.Store, reg *registry.Registry, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    s,
		registry: reg,
		cfg:      cfg,
		clock:    clock.Real(),
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run refreshes the registry and dispatches until ctx is cancelled. It
// returns nil on cancellation and an error when the store fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Infof("Dispatcher started: mode %s, cmd_time %v, throttle_reset %v", d.cfg.Mode, d.cfg.CmdTime, d.cfg.ThrottleReset)

	var lastRefresh time.Time
	for {
		if ctx.Err() != nil {
			d.logger.Info("Dispatcher stopping")
			return nil
		}
		if now := d.clock.Now(); lastRefresh.IsZero() || now.Sub(lastRefresh) >= d.cfg.NodeRefresh {
			ch, err := d.registry.Refresh(ctx)
			if err != nil {
				return fmt.Errorf("dispatch: refresh: %w", err)
			}
			if !ch.Empty() {
				d.logger.Infof("Registry refreshed: %s", ch)
			}
			lastRefresh = now
		}

		if _, err := d.Pass(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		_ = d.clock.Sleep(ctx, d.cfg.CmdCheck)
	}
}

// Pass visits every registered node once.
func (d *Dispatcher) Pass(ctx context.Context) (Stats, error) {
	var st Stats
	for _, e := range d.registry.Entries() {
		if err := d.dispatchNode(ctx, e, &st); err != nil {
			return st, err
		}
	}
	return st, nil
}

func (d *Dispatcher) dispatchNode(ctx context.Context, e registry.Entry, st *Stats) error {
	cmds, err := d.store.HGetAll(ctx, node.CommandKey(e.ID))
	if err != nil {
		return fmt.Errorf("dispatch: node %d: %w", e.ID, err)
	}

	// Once one rail is throttled, every later throttled rail of this node
	// waits for the next pass so the table order is kept.
	blocked := false
	for _, a := range actions {
		if !node.ParseFlag(cmds[a.trigger]) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		throttled := !a.reset || d.cfg.ThrottleReset
		if throttled {
			ready := false
			if !blocked {
				var err error
				if ready, err = d.throttle(ctx, e.ID); err != nil {
					return err
				}
			}
			if !ready {
				blocked = true
				st.Deferred++
				d.logger.Debugf("Node %d throttled, %s deferred", e.ID, a.name)
				continue
			}
		}

		// The operator may have changed or withdrawn the request while the
		// throttle held it.
		live, err := d.current(ctx, e.ID, a)
		if err != nil {
			return err
		}
		if !live.set {
			d.logger.Debugf("Node %d: %s withdrawn before send", e.ID, a.name)
			continue
		}
		value := live.value

		outcome := node.OutcomeSent
		if err := e.Handle.Send(ctx, a.name, value); err != nil {
			outcome = node.OutcomeFailed
			st.Failed++
			if errors.Is(err, sender.ErrNotConnected) {
				d.logger.Debugf("Node %d: %s %s not sent, sender not connected", e.ID, a.name, value)
			} else {
				d.logger.Warnf("Node %d: %s %s failed: %v", e.ID, a.name, value, err)
			}
		} else {
			st.Sent++
			d.logger.Infof("Node %d: %s %s sent", e.ID, a.name, value)
		}

		now := d.clock.Now()
		audit := node.Audit{Value: value, Time: now, Outcome: outcome}
		if err := d.store.HSet(ctx, node.CommandKey(e.ID), map[string]string{
			a.trigger: node.FlagFalse,
			a.last:    audit.String(),
		}); err != nil {
			return fmt.Errorf("dispatch: node %d: %w", e.ID, err)
		}
		if throttled {
			if err := d.store.HSet(ctx, node.ThrottleKey(e.ID), map[string]string{
				node.FieldLastCommand: node.FormatUnix(now),
			}); err != nil {
				return fmt.Errorf("dispatch: node %d: %w", e.ID, err)
			}
		}
	}
	return nil
}

type request struct {
	set   bool
	value string
}

// current reads an action's trigger and value as they are now.
func (d *Dispatcher) current(ctx context.Context, id node.ID, a action) (request, error) {
	key := node.CommandKey(id)
	trig, _, err := d.store.HGet(ctx, key, a.trigger)
	if err != nil {
		return request{}, fmt.Errorf("dispatch: node %d: %w", id, err)
	}
	r := request{set: node.ParseFlag(trig)}
	if !r.set || a.cmd == "" {
		return r, nil
	}
	raw, _, err := d.store.HGet(ctx, key, a.cmd)
	if err != nil {
		return request{}, fmt.Errorf("dispatch: node %d: %w", id, err)
	}
	r.value = node.CommandValue(raw)
	return r, nil
}

// throttle reports whether the node's command window has elapsed. In wait
// mode it blocks until it has, re-reading the throttle on every poll.
func (d *Dispatcher) throttle(ctx context.Context, id node.ID) (bool, error) {
	for {
		last, err := d.lastCommand(ctx, id)
		if err != nil {
			return false, err
		}
		if d.clock.Now().Sub(last) >= d.cfg.CmdTime {
			return true, nil
		}
		if d.cfg.Mode == ModeSkip {
			return false, nil
		}
		if err := d.clock.Sleep(ctx, d.cfg.ThrottlePoll); err != nil {
			return false, err
		}
	}
}

func (d *Dispatcher) lastCommand(ctx context.Context, id node.ID) (time.Time, error) {
	raw, ok, err := d.store.HGet(ctx, node.ThrottleKey(id), node.FieldLastCommand)
	if err != nil {
		return time.Time{}, fmt.Errorf("dispatch: node %d: %w", id, err)
	}
	if !ok {
		return time.Time{}, nil
	}
	t, err := node.ParseUnix(raw)
	if err != nil {
		d.logger.Warnf("Node %d: %v, treating throttle as expired", id, err)
		return time.Time{}, nil
	}
	return t, nil
}
