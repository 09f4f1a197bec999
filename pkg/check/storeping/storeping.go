// Package storeping checks that the shared store answers, and reports how
// many nodes it currently holds status for.
package storeping

import (
	"context"
	"fmt"
	"time"

	"github.com/kylerisse/nodectl/pkg/check"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/store"
)

const (
	// TypeName is the registered name for this check type.
	TypeName = "store"

	// DefaultTimeout bounds a single run.
	DefaultTimeout = 2 * time.Second

	MetricLatency = "latency_us"
	MetricNodes   = "nodes"
)

// Check pings the store.
type Check struct {
	store   store.Store
	timeout time.Duration
}

// New creates a store check.
func New(s store.Store, timeout time.Duration) (*Check, error) {
	if s == nil {
		return nil, fmt.Errorf("store: store must not be nil")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("store: timeout must be positive, got %v", timeout)
	}
	return &Check{store: s, timeout: timeout}, nil
}

// Type returns the check type name.
func (c *Check) Type() string {
	return TypeName
}

// Run pings the store and counts node status keys.
func (c *Check) Run(ctx context.Context) check.Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	if err := c.store.Ping(ctx); err != nil {
		return check.Result{Timestamp: start, Err: fmt.Errorf("store ping: %w", err)}
	}
	latency := time.Since(start)

	metrics := map[string]*int64{MetricLatency: check.Int64(latency.Microseconds())}
	keys, err := c.store.Keys(ctx, node.StatusPattern)
	if err != nil {
		metrics[MetricNodes] = nil
		return check.Result{Timestamp: start, Metrics: metrics, Err: fmt.Errorf("store keys: %w", err)}
	}
	metrics[MetricNodes] = check.Int64(int64(len(keys)))

	return check.Result{Timestamp: start, Success: true, Metrics: metrics}
}

// NewFactory returns a Factory bound to s.
// Optional key: "timeout" (duration string), default "2s".
func NewFactory(s store.Store) check.Factory {
	return func(config map[string]any) (check.Check, error) {
		timeout := DefaultTimeout
		if v, ok := config["timeout"]; ok {
			ts, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("store: 'timeout' must be a duration string, got %T", v)
			}
			d, err := time.ParseDuration(ts)
			if err != nil {
				return nil, fmt.Errorf("store: invalid timeout %q: %w", ts, err)
			}
			timeout = d
		}
		return New(s, timeout)
	}
}
