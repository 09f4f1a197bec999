// Package registry tracks the nodes present in the shared store and owns
// one command sender per node.
//
// The registry is rebuilt only by Refresh. Entries for nodes whose address
// did not change are carried forward unchanged, so a sender's socket lives
// as long as its node keeps the same IP.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/store"
	"github.com/sirupsen/logrus"
)

// Handle is the command channel to one node.
type Handle interface {
	Addr() string
	Send(ctx context.Context, name, value string) error
	Close() error
}

// Factory builds a Handle for the controller at addr.
type Factory func(addr string) (Handle, error)

// Entry is one registered node.
type Entry struct {
	ID     node.ID
	Handle Handle
}

// Changes summarizes what a Refresh did.
type Changes struct {
	Added       []node.ID
	Removed     []node.ID
	Readdressed []node.ID
}

// Empty reports whether the refresh changed nothing.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Readdressed) == 0
}

func (c Changes) String() string {
	return fmt.Sprintf("added %v, removed %v, readdressed %v", c.Added, c.Removed, c.Readdressed)
}

// Registry maps node ids to senders.
type Registry struct {
	store        store.Store
	factory      Factory
	logger       *logrus.Logger
	initTriggers bool

	mu      sync.RWMutex
	handles map[node.ID]Handle
}

// Option configures a Registry.
type Option func(*Registry)

// WithInitTriggers controls whether newly seen nodes get their command
// triggers cleared and their throttle seeded. Dispatchers enable it; the
// keep-alive poker does not.
func WithInitTriggers(on bool) Option {
	return func(r *Registry) { r.initTriggers = on }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty Registry. Call Refresh to populate it.
func New(s store.Store, f Factory, opts ...Option) *Registry {
	r := &Registry{
		store:        s,
		factory:      f,
		logger:       logrus.StandardLogger(),
		initTriggers: true,
		handles:      make(map[node.ID]Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh scans the store for node statuses and reconciles the sender map.
// Only store failures are returned; a node whose sender cannot be built is
// skipped and retried on the next refresh.
func (r *Registry) Refresh(ctx context.Context) (Changes, error) {
	keys, err := r.store.Keys(ctx, node.StatusPattern)
	if err != nil {
		return Changes{}, err
	}

	seen := make(map[node.ID]string, len(keys))
	for _, key := range keys {
		raw, ok, err := r.store.HGet(ctx, key, node.FieldNodeID)
		if err != nil {
			return Changes{}, err
		}
		if !ok {
			continue
		}
		id, err := node.ParseID(raw)
		if err != nil {
			r.logger.Warnf("Registry: ignoring %s: %v", key, err)
			continue
		}
		ip, _, err := r.store.HGet(ctx, key, node.FieldIP)
		if err != nil {
			return Changes{}, err
		}
		seen[id] = ip
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var ch Changes
	next := make(map[node.ID]Handle, len(seen))
	for _, id := range sortedIDs(seen) {
		ip := seen[id]
		old, known := r.handles[id]
		if known && old.Addr() == ip {
			next[id] = old
			continue
		}

		h, err := r.factory(ip)
		if err != nil {
			r.logger.Errorf("Registry: cannot build sender for node %d at %q: %v", id, ip, err)
			if known {
				next[id] = old
			}
			continue
		}

		if known {
			_ = old.Close()
			ch.Readdressed = append(ch.Readdressed, id)
			r.logger.Infof("Node %d moved from %s to %s", id, old.Addr(), ip)
		} else {
			if r.initTriggers {
				if err := r.initialize(ctx, id); err != nil {
					_ = h.Close()
					return Changes{}, err
				}
			}
			ch.Added = append(ch.Added, id)
			r.logger.Infof("Node %d registered at %q", id, ip)
		}
		next[id] = h
	}

	for id, h := range r.handles {
		if _, ok := next[id]; ok {
			continue
		}
		_ = h.Close()
		ch.Removed = append(ch.Removed, id)
		r.logger.Infof("Node %d no longer reports, sender closed", id)
	}
	sort.Slice(ch.Removed, func(i, j int) bool { return ch.Removed[i] < ch.Removed[j] })

	r.handles = next
	return ch, nil
}

// initialize clears a new node's triggers and seeds its throttle so that a
// stale trigger left in the store is not replayed on startup.
func (r *Registry) initialize(ctx context.Context, id node.ID) error {
	if err := r.store.HSet(ctx, node.CommandKey(id), node.ClearedTriggers()); err != nil {
		return err
	}
	_, err := r.store.HSetNX(ctx, node.ThrottleKey(id), node.FieldLastCommand, "0")
	return err
}

// Get returns the handle of one node.
func (r *Registry) Get(id node.ID) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Entries returns a snapshot of the registry ordered by node id.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.handles))
	for id, h := range r.handles {
		out = append(out, Entry{ID: id, Handle: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Close closes every sender and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for id, h := range r.handles {
		if err := h.Close(); err != nil && first == nil {
			first = fmt.Errorf("registry: close node %d: %w", id, err)
		}
	}
	r.handles = make(map[node.ID]Handle)
	return first
}

func sortedIDs(m map[node.ID]string) []node.ID {
	ids := make([]node.ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
