// Package check defines the health checks the node-control services run
// against their own infrastructure: the shared store, the site DNS, the
// node controllers and the other daemon roles.
//
// A Check is a single probe. Results have a uniform shape regardless of
// check type: success or failure, a set of named integer metrics, and an
// optional error.
//
// The Registry maps type names to factories so that checks can be built
// from the configuration file at runtime.
package check

import (
	"context"
	"time"
)

// Check is the interface that all check types implement.
type Check interface {
	// Type returns the registered name of this check type (e.g. "dns").
	Type() string

	// Run executes the check. The context bounds its duration.
	Run(ctx context.Context) Result
}

// Result captures the outcome of a single check execution.
type Result struct {
	// Timestamp is when the check was executed.
	Timestamp time.Time

	// Success indicates whether the check passed.
	Success bool

	// Metrics holds named measurements. A nil value means the measurement
	// was attempted and failed. An empty or nil map is valid for checks
	// that only report success or failure.
	Metrics map[string]*int64

	// Err holds any error encountered during execution.
	Err error
}

// Instance is a configured check with its display name.
type Instance struct {
	Name  string
	Check Check
}

// Int64 returns a pointer to v, for building Metrics.
func Int64(v int64) *int64 {
	return &v
}
