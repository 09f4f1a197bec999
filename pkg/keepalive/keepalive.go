// Package keepalive pokes every node controller on a fixed interval. A
// controller that goes unpoked for too long resets itself.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kylerisse/nodectl/pkg/clock"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/registry"
	"github.com/kylerisse/nodectl/pkg/sender"
	"github.com/kylerisse/nodectl/pkg/store"
	"github.com/sirupsen/logrus"
)

// DefaultInterval is the time between poke rounds.
const DefaultInterval = time.Second

// Poker sends poke to every registered node.
type Poker struct {
	store    store.Store
	registry *registry.Registry
	interval time.Duration
	clock    clock.Clock
	logger   *logrus.Logger
}

// Option configures a Poker.
type Option func(*Poker)

// WithInterval sets the time between rounds.
func WithInterval(d time.Duration) Option {
	return func(p *Poker) { p.interval = d }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(p *Poker) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(p *Poker) { p.logger = l }
}

// New creates a Poker. The registry should be built without trigger
// initialisation so the poker never touches command state.
func New(s store.Store, reg *registry.Registry, opts ...Option) *Poker {
	p := &Poker{
		store:    s,
		registry: reg,
		interval: DefaultInterval,
		clock:    clock.Real(),
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run pokes until ctx is cancelled. It returns nil on cancellation and an
// error when the store fails.
func (p *Poker) Run(ctx context.Context) error {
	p.logger.Infof("Keep-alive started, poking every %v", p.interval)
	for ctx.Err() == nil {
		start := p.clock.Now()
		ch, err := p.registry.Refresh(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("keepalive: refresh: %w", err)
		}
		if !ch.Empty() {
			p.logger.Infof("Registry refreshed: %s", ch)
		}
		if _, err := p.Round(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		if rest := p.interval - p.clock.Now().Sub(start); rest > 0 {
			_ = p.clock.Sleep(ctx, rest)
		}
	}
	p.logger.Info("Keep-alive stopping")
	return nil
}

// Round pokes each registered node once and returns how many pokes were
// sent.
func (p *Poker) Round(ctx context.Context) (int, error) {
	poked := 0
	for _, e := range p.registry.Entries() {
		if err := ctx.Err(); err != nil {
			return poked, err
		}
		if err := e.Handle.Send(ctx, sender.CommandPoke, ""); err != nil {
			if !errors.Is(err, sender.ErrNotConnected) {
				p.logger.Warnf("Node %d: poke failed: %v", e.ID, err)
			}
			continue
		}
		poked++
		if err := p.store.HSet(ctx, node.ThrottleKey(e.ID), map[string]string{
			node.FieldLastPoke: node.FormatUnix(p.clock.Now()),
		}); err != nil {
			return poked, fmt.Errorf("keepalive: node %d: %w", e.ID, err)
		}
	}
	return poked, nil
}
