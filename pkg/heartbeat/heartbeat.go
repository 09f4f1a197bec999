// Package heartbeat publishes liveness and version records for each daemon
// role in the shared store, and reads them back for monitoring.
package heartbeat

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kylerisse/nodectl/pkg/clock"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/store"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTTL is how long a heartbeat stays alive without renewal.
	DefaultTTL = 60 * time.Second

	// DefaultInterval is the time between heartbeats.
	DefaultInterval = 10 * time.Second

	// Package is the package name used in version keys.
	Package = "nodectl"

	// Alive is the value of a live script key.
	Alive = "alive"

	// OwnerKey holds the instance id of the dispatcher currently issuing
	// commands.
	OwnerKey = "status:dispatcher:owner"

	scriptPrefix  = "status:script:"
	versionPrefix = "version:"
)

// Daemon roles.
const (
	RoleReceiver   = "receiver"
	RoleDispatcher = "dispatcher"
	RoleKeepalive  = "keepalive"
	RoleDebuglog   = "debuglog"
	RoleAPI        = "api"
	RoleHistory    = "history"
)

// Roles lists every daemon role.
var Roles = []string{RoleReceiver, RoleDispatcher, RoleKeepalive, RoleDebuglog, RoleAPI, RoleHistory}

// ScriptKey returns the liveness key of a role on a host.
func ScriptKey(host, role string) string {
	return scriptPrefix + host + ":" + role
}

// VersionKey returns the version hash key of a role.
func VersionKey(pkg, role string) string {
	return versionPrefix + pkg + ":" + role
}

// Hostname returns the short local hostname, or "unknown".
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	short, _, _ := strings.Cut(h, ".")
	return short
}

// Beater keeps one role's heartbeat alive.
type Beater struct {
	store    store.Store
	host     string
	role     string
	version  string
	ttl      time.Duration
	interval time.Duration
	clock    clock.Clock
	logger   *logrus.Logger
}

// Option configures a Beater.
type Option func(*Beater)

// WithHost overrides the hostname.
func WithHost(h string) Option {
	return func(b *Beater) { b.host = h }
}

// WithVersion sets the version announced for the role.
func WithVersion(v string) Option {
	return func(b *Beater) { b.version = v }
}

// WithTTL sets the heartbeat expiry.
func WithTTL(d time.Duration) Option {
	return func(b *Beater) { b.ttl = d }
}

// WithInterval sets the time between heartbeats.
func WithInterval(d time.Duration) Option {
	return func(b *Beater) { b.interval = d }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(b *Beater) { b.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(b *Beater) { b.logger = l }
}

// NewBeater creates a Beater for role.
func NewBeater(s store.Store, role string, opts ...Option) *Beater {
	b := &Beater{
		store:    s,
		host:     Hostname(),
		role:     role,
		version:  "dev",
		ttl:      DefaultTTL,
		interval: DefaultInterval,
		clock:    clock.Real(),
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Beat marks the role alive for one TTL.
func (b *Beater) Beat(ctx context.Context) error {
	return b.store.Set(ctx, ScriptKey(b.host, b.role), Alive, b.ttl)
}

// Announce records the role's version.
func (b *Beater) Announce(ctx context.Context) error {
	return b.store.HSet(ctx, VersionKey(Package, b.role), map[string]string{
		"version":   b.version,
		"timestamp": node.FormatUnix(b.clock.Now()),
	})
}

// Run announces the version and beats every interval until ctx is
// cancelled.
func (b *Beater) Run(ctx context.Context) error {
	if err := b.Announce(ctx); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	for ctx.Err() == nil {
		if err := b.Beat(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("heartbeat: %w", err)
		}
		_ = b.clock.Sleep(ctx, b.interval)
	}
	return nil
}

// Owner records which dispatcher instance is issuing commands. It only
// warns about a second live dispatcher; it never blocks one.
type Owner struct {
	store  store.Store
	id     string
	ttl    time.Duration
	logger *logrus.Logger
}

// NewOwner creates an Owner with a fresh instance id.
func NewOwner(s store.Store, ttl time.Duration, logger *logrus.Logger) *Owner {
	return &Owner{store: s, id: uuid.NewString(), ttl: ttl, logger: logger}
}

// ID returns the instance id.
func (o *Owner) ID() string {
	return o.id
}

// Claim records this instance as owner, or renews the claim. It reports
// false when another instance holds a live claim.
func (o *Owner) Claim(ctx context.Context) (bool, error) {
	ok, err := o.store.SetNX(ctx, OwnerKey, o.id, o.ttl)
	if err != nil || ok {
		return ok, err
	}
	cur, found, err := o.store.Get(ctx, OwnerKey)
	if err != nil {
		return false, err
	}
	if !found {
		return o.store.SetNX(ctx, OwnerKey, o.id, o.ttl)
	}
	if cur == o.id {
		return true, o.store.Expire(ctx, OwnerKey, o.ttl)
	}
	o.logger.Warnf("Another dispatcher (%s) is live; commands may be sent twice", cur)
	return false, nil
}

// Release drops the claim if this instance holds it.
func (o *Owner) Release(ctx context.Context) error {
	cur, found, err := o.store.Get(ctx, OwnerKey)
	if err != nil || !found || cur != o.id {
		return err
	}
	return o.store.Del(ctx, OwnerKey)
}

// Script is one liveness record.
type Script struct {
	Host  string        `json:"host"`
	Role  string        `json:"role"`
	Value string        `json:"value"`
	TTL   time.Duration `json:"ttl"`
}

// Version is one version record.
type Version struct {
	Package   string    `json:"package"`
	Role      string    `json:"role"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Report lists every heartbeat and version in the store.
type Report struct {
	Scripts  []Script  `json:"scripts"`
	Versions []Version `json:"versions"`
}

// Alive reports whether role has a live heartbeat on any host.
func (r Report) Alive(role string) bool {
	for _, s := range r.Scripts {
		if s.Role == role && s.Value == Alive {
			return true
		}
	}
	return false
}

// Services reads every heartbeat and version record.
func Services(ctx context.Context, s store.Store) (Report, error) {
	var rep Report

	keys, err := s.Keys(ctx, scriptPrefix+"*")
	if err != nil {
		return rep, err
	}
	for _, k := range keys {
		host, role, ok := strings.Cut(strings.TrimPrefix(k, scriptPrefix), ":")
		if !ok {
			continue
		}
		v, found, err := s.Get(ctx, k)
		if err != nil {
			return rep, err
		}
		if !found {
			continue
		}
		ttl, err := s.TTL(ctx, k)
		if err != nil {
			return rep, err
		}
		rep.Scripts = append(rep.Scripts, Script{Host: host, Role: role, Value: v, TTL: ttl})
	}

	keys, err = s.Keys(ctx, versionPrefix+"*")
	if err != nil {
		return rep, err
	}
	for _, k := range keys {
		pkg, role, ok := strings.Cut(strings.TrimPrefix(k, versionPrefix), ":")
		if !ok {
			continue
		}
		h, err := s.HGetAll(ctx, k)
		if err != nil {
			return rep, err
		}
		v := Version{Package: pkg, Role: role, Version: h["version"]}
		if ts, err := node.ParseTimestamp(h["timestamp"]); err == nil {
			v.Timestamp = ts
		}
		rep.Versions = append(rep.Versions, v)
	}

	sort.Slice(rep.Scripts, func(i, j int) bool {
		if rep.Scripts[i].Role != rep.Scripts[j].Role {
			return rep.Scripts[i].Role < rep.Scripts[j].Role
		}
		return rep.Scripts[i].Host < rep.Scripts[j].Host
	})
	return rep, nil
}
