// Package server serves the node fleet over HTTP: node status and pending
// commands as JSON, power and reset requests, Prometheus metrics, and the
// health of the site's background checks.
package server

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kylerisse/nodectl/pkg/check"
	"github.com/kylerisse/nodectl/pkg/clock"
	"github.com/kylerisse/nodectl/pkg/issue"
	"github.com/kylerisse/nodectl/pkg/store"
	"github.com/kylerisse/nodectl/pkg/verify"
)

// Defaults for Server.
const (
	DefaultCheckInterval = 30 * time.Second
	DefaultRateLimit     = 10
	DefaultBurst         = 20
)

// Server runs the configured checks in the background and answers API
// requests from the shared store.
type Server struct {
	store   store.Store
	issuer  *issue.Issuer
	checker *verify.Checker
	checks  []check.Instance
	logger  *logrus.Logger
	clock   clock.Clock
	limiter *rate.Limiter

	staleAfter    time.Duration
	checkInterval time.Duration
	jitter        bool
	graphDir      string

	mu       sync.RWMutex
	statuses map[string]*check.Status

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock sets the time source used for node ages.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithStaleAfter sets the age past which a node status is stale.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Server) { s.staleAfter = d }
}

// WithCheckInterval sets how often each check runs.
func WithCheckInterval(d time.Duration) Option {
	return func(s *Server) { s.checkInterval = d }
}

// WithRateLimit sets the request rate limit shared by all clients.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithGraphDir serves the history graphs in dir under /graphs/.
func WithGraphDir(dir string) Option {
	return func(s *Server) { s.graphDir = dir }
}

// WithoutJitter starts every check immediately instead of after a random
// delay.
func WithoutJitter() Option {
	return func(s *Server) { s.jitter = false }
}

// New creates a server over s. A nil issuer gets the default relay policy.
func New(s store.Store, iss *issue.Issuer, checks []check.Instance, opts ...Option) *Server {
	srv := &Server{
		store:         s,
		issuer:        iss,
		checks:        checks,
		logger:        logrus.StandardLogger(),
		clock:         clock.Real(),
		staleAfter:    verify.DefaultStaleAfter,
		checkInterval: DefaultCheckInterval,
		jitter:        true,
		statuses:      make(map[string]*check.Status),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.issuer == nil {
		srv.issuer = issue.New(s, issue.WithLogger(srv.logger))
	}
	if srv.limiter == nil {
		srv.limiter = rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultBurst)
	}
	srv.checker = verify.NewChecker(s, verify.WithClock(srv.clock), verify.WithStaleAfter(srv.staleAfter))
	for _, inst := range checks {
		srv.getOrCreateStatus(inst.Name)
	}
	return srv
}

// Start begins a worker for each check.
func (s *Server) Start() {
	s.logger.Infof("Starting %d check workers...", len(s.checks))
	for _, inst := range s.checks {
		s.wg.Add(1)
		go s.worker(inst)
	}
}

// Stop signals every worker and waits for them to return.
func (s *Server) Stop() {
	close(s.done)
	s.wg.Wait()
	s.logger.Info("All check workers stopped.")
}

// getOrCreateStatus returns the status tracker for a check, creating it
// on first use.
func (s *Server) getOrCreateStatus(name string) *check.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[name]
	if !ok {
		st = check.NewStatus()
		s.statuses[name] = st
	}
	return st
}

// checkStatuses returns a snapshot of every check's status.
func (s *Server) checkStatuses() map[string]check.StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]check.StatusSnapshot, len(s.statuses))
	for name, st := range s.statuses {
		out[name] = st.Snapshot()
	}
	return out
}

func (s *Server) startDelay() time.Duration {
	if !s.jitter || s.checkInterval <= time.Second {
		return 0
	}
	return rand.N(s.checkInterval / 2)
}
