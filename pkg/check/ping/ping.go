// Package ping implements an ICMP reachability check for node controllers
// and other site hosts.
//
// It shells out to the system ping command, parses the output for
// round-trip time, and returns a check.Result with a latency_us metric.
// A node target is resolved to the ip in its status hash on every run, so
// the check follows a controller that moves address.
package ping

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kylerisse/nodectl/pkg/check"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/store"
)

const (
	// TypeName is the registered name for this check type.
	TypeName = "ping"

	// DefaultTimeout is the default ping timeout.
	DefaultTimeout = 3 * time.Second

	// DefaultCount is the default number of ping packets.
	DefaultCount = 1

	// MetricLatency is the Result.Metrics key for the round-trip time.
	MetricLatency = "latency_us"
)

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Ping implements check.Check using ICMP echo requests.
type Ping struct {
	target  func(ctx context.Context) (string, error)
	label   string
	timeout time.Duration
	count   int
	run     runFunc
}

// Option is a functional option for configuring a Ping check.
type Option func(*Ping) error

// WithTimeout sets the ping timeout duration.
func WithTimeout(d time.Duration) Option {
	return func(p *Ping) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		p.timeout = d
		return nil
	}
}

// WithCount sets the number of ping packets to send.
func WithCount(n int) Option {
	return func(p *Ping) error {
		if n < 1 {
			return fmt.Errorf("count must be at least 1, got %d", n)
		}
		p.count = n
		return nil
	}
}

func newPing(label string, target func(context.Context) (string, error), opts []Option) (*Ping, error) {
	p := &Ping{
		target:  target,
		label:   label,
		timeout: DefaultTimeout,
		count:   DefaultCount,
		run:     runCommand,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
	}
	return p, nil
}

// New creates a Ping check against a fixed host name or address.
func New(target string, opts ...Option) (*Ping, error) {
	if target == "" {
		return nil, fmt.Errorf("ping: target must not be empty")
	}
	return newPing(target, func(context.Context) (string, error) { return target, nil }, opts)
}

// NewNode creates a Ping check against the ip a node last beaconed from.
func NewNode(s store.Store, id node.ID, opts ...Option) (*Ping, error) {
	if s == nil {
		return nil, fmt.Errorf("ping: store must not be nil")
	}
	if !id.Valid() {
		return nil, fmt.Errorf("ping: node id %d out of range", id)
	}
	resolve := func(ctx context.Context) (string, error) {
		ip, ok, err := s.HGet(ctx, node.StatusKey(id), node.FieldIP)
		if err != nil {
			return "", err
		}
		if !ok || ip == "" {
			return "", fmt.Errorf("node %d has no recorded ip", id)
		}
		return ip, nil
	}
	return newPing(fmt.Sprintf("node %d", id), resolve, opts)
}

// Type returns the check type name.
func (p *Ping) Type() string {
	return TypeName
}

// Run executes the ping check and returns a Result.
func (p *Ping) Run(ctx context.Context) check.Result {
	now := time.Now()

	target, err := p.target(ctx)
	if err != nil {
		return check.Result{Timestamp: now, Err: fmt.Errorf("ping %s: %w", p.label, err)}
	}

	timeoutSec := strconv.Itoa(max(1, int(p.timeout.Round(time.Second)/time.Second)))
	out, err := p.run(ctx, "ping", "-c", strconv.Itoa(p.count), "-W", timeoutSec, target)
	if err != nil {
		return check.Result{Timestamp: now, Err: fmt.Errorf("ping %s: %w", target, err)}
	}

	latency, err := parseOutput(string(out))
	if err != nil {
		return check.Result{Timestamp: now, Err: fmt.Errorf("ping %s: %w", target, err)}
	}

	return check.Result{
		Timestamp: now,
		Success:   true,
		Metrics:   map[string]*int64{MetricLatency: check.Int64(latency.Microseconds())},
	}
}

// NewFactory returns a Factory that builds ping checks. Node targets are
// resolved through s.
//
// Exactly one of "target" (string) or "node" (integer id) is required.
// Optional keys: "timeout" (duration string), "count" (integer).
func NewFactory(s store.Store) check.Factory {
	return func(config map[string]any) (check.Check, error) {
		var opts []Option

		if v, ok := config["timeout"]; ok {
			ts, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("ping: 'timeout' must be a duration string, got %T", v)
			}
			d, err := time.ParseDuration(ts)
			if err != nil {
				return nil, fmt.Errorf("ping: invalid timeout %q: %w", ts, err)
			}
			opts = append(opts, WithTimeout(d))
		}

		if v, ok := config["count"]; ok {
			n, ok := toInt(v)
			if !ok {
				return nil, fmt.Errorf("ping: 'count' must be an integer, got %T", v)
			}
			opts = append(opts, WithCount(n))
		}

		target, hasTarget := config["target"]
		nodeRaw, hasNode := config["node"]
		switch {
		case hasTarget && hasNode:
			return nil, fmt.Errorf("ping: 'target' and 'node' are mutually exclusive")
		case hasTarget:
			ts, ok := target.(string)
			if !ok {
				return nil, fmt.Errorf("ping: 'target' must be a string, got %T", target)
			}
			return New(ts, opts...)
		case hasNode:
			n, ok := toInt(nodeRaw)
			if !ok {
				return nil, fmt.Errorf("ping: 'node' must be an integer, got %T", nodeRaw)
			}
			return NewNode(s, node.ID(n), opts...)
		default:
			return nil, fmt.Errorf("ping: config requires 'target' or 'node'")
		}
	}
}

// toInt accepts the integer shapes YAML and JSON decoding produce.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// parseOutput extracts the first round-trip time from ping output.
func parseOutput(output string) (time.Duration, error) {
	for _, line := range strings.Split(output, "\n") {
		_, after, found := strings.Cut(line, "time=")
		if !found {
			continue
		}
		after = strings.TrimSpace(after)

		rttStr, unit, _ := strings.Cut(after, " ")
		unit = strings.TrimSpace(unit)
		if unit == "" {
			// Some implementations print "time=0.04ms".
			i := strings.IndexFunc(rttStr, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
			if i > 0 {
				rttStr, unit = rttStr[:i], rttStr[i:]
			}
		}

		rtt, err := strconv.ParseFloat(rttStr, 64)
		if err != nil {
			return 0, fmt.Errorf("could not parse RTT %q: %w", rttStr, err)
		}

		switch unit {
		case "ms":
			return time.Duration(rtt * float64(time.Millisecond)), nil
		case "us", "µs":
			return time.Duration(rtt * float64(time.Microsecond)), nil
		case "s":
			return time.Duration(rtt * float64(time.Second)), nil
		}
		return 0, fmt.Errorf("could not determine time unit from %q", unit)
	}
	return 0, fmt.Errorf("RTT not found in ping output")
}
