// Package store is the boundary to the shared key-value store that
// coordinates the node-control roles.
//
// The store is a passive shared map: hashes for per-node status, commands
// and throttle state, plus expiring string keys for service heartbeats.
// Redis is the production backend; Memory serves tests and single-host
// development.
package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrUnavailable wraps every backend failure. Callers treat it as fatal to
// the process: no coordination is possible without the store.
var ErrUnavailable = errors.New("store unavailable")

var errClosed = errors.New("closed")

// Store is the subset of key-value operations the node-control roles use.
// Missing keys and fields are not errors; lookups report them with a bool.
type Store interface {
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HSetNX(ctx context.Context, key, field, value string) (bool, error)

	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores a string value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime of key. It returns a negative
	// duration when the key has no expiry or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// Keys returns every key matching a glob pattern, sorted.
	Keys(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// flatten turns a field map into alternating field/value arguments in a
// stable order.
func flatten(fields map[string]string) []any {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	args := make([]any, 0, 2*len(fields))
	for _, k := range names {
		args = append(args, k, fields[k])
	}
	return args
}
