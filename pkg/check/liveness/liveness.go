// Package liveness checks that every expected daemon role has a live
// heartbeat in the shared store.
package liveness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kylerisse/nodectl/pkg/check"
	"github.com/kylerisse/nodectl/pkg/heartbeat"
	"github.com/kylerisse/nodectl/pkg/store"
)

// TypeName is the registered name for this check type.
const TypeName = "heartbeat"

// DefaultRoles are the roles a site runs for command dispatch to work.
var DefaultRoles = []string{heartbeat.RoleReceiver, heartbeat.RoleDispatcher}

// Check reads the heartbeat records.
type Check struct {
	store store.Store
	roles []string
}

// New creates a liveness check for roles.
func New(s store.Store, roles []string) (*Check, error) {
	if s == nil {
		return nil, fmt.Errorf("heartbeat: store must not be nil")
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("heartbeat: at least one role is required")
	}
	return &Check{store: s, roles: roles}, nil
}

// Type returns the check type name.
func (c *Check) Type() string {
	return TypeName
}

// Run reports, per role, the longest remaining heartbeat TTL in seconds.
// A role without a live heartbeat has a nil metric and fails the check.
func (c *Check) Run(ctx context.Context) check.Result {
	now := time.Now()
	rep, err := heartbeat.Services(ctx, c.store)
	if err != nil {
		return check.Result{Timestamp: now, Err: fmt.Errorf("heartbeat: %w", err)}
	}

	metrics := make(map[string]*int64, len(c.roles))
	var missing []string
	for _, role := range c.roles {
		var best *int64
		for _, s := range rep.Scripts {
			if s.Role != role || s.Value != heartbeat.Alive {
				continue
			}
			ttl := int64(s.TTL / time.Second)
			if best == nil || ttl > *best {
				best = check.Int64(ttl)
			}
		}
		metrics[role] = best
		if best == nil {
			missing = append(missing, role)
		}
	}

	res := check.Result{Timestamp: now, Success: len(missing) == 0, Metrics: metrics}
	if len(missing) > 0 {
		res.Err = fmt.Errorf("no live heartbeat for %s", strings.Join(missing, ", "))
	}
	return res
}

// NewFactory returns a Factory bound to s.
// Optional key: "roles" (list of strings), default receiver and dispatcher.
func NewFactory(s store.Store) check.Factory {
	return func(config map[string]any) (check.Check, error) {
		roles := DefaultRoles
		if v, ok := config["roles"]; ok {
			list, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("heartbeat: 'roles' must be a list, got %T", v)
			}
			roles = make([]string, 0, len(list))
			for i, item := range list {
				r, ok := item.(string)
				if !ok || r == "" {
					return nil, fmt.Errorf("heartbeat: role at index %d must be a non-empty string", i)
				}
				roles = append(roles, r)
			}
		}
		return New(s, roles)
	}
}
