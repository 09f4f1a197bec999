// Package dns checks that node controller hostnames resolve, against the
// site DNS server, to the address each node beacons from.
//
// A check may also carry fixed queries (A, AAAA or PTR with an expected
// answer) for infrastructure names such as the store host. It succeeds only
// when every query resolves and matches.
package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/kylerisse/nodectl/pkg/check"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/store"
)

const (
	// TypeName is the registered name for this check type.
	TypeName = "dns"

	// DefaultTimeout is the default DNS query timeout.
	DefaultTimeout = 3 * time.Second

	// DefaultHostFormat names a node controller from its id.
	DefaultHostFormat = "heraNode%d"
)

// query is a single lookup and the answer it must contain.
type query struct {
	name   string // without trailing dot
	qtype  uint16
	expect string
}

// Check implements check.Check using DNS queries to a specific server.
type Check struct {
	server     string // host:port
	timeout    time.Duration
	queries    []query
	store      store.Store
	hostFormat string
	domain     string
	client     *dns.Client
}

// Option is a functional option for configuring a DNS Check.
type Option func(*Check) error

// WithTimeout sets the DNS query timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Check) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		c.timeout = d
		return nil
	}
}

// WithNodes makes every run also resolve the hostname of each node present
// in s and compare it with the node's status ip.
func WithNodes(s store.Store) Option {
	return func(c *Check) error {
		if s == nil {
			return fmt.Errorf("store must not be nil")
		}
		c.store = s
		return nil
	}
}

// WithHostFormat sets the printf format that turns a node id into a
// hostname. It must contain exactly one %d.
func WithHostFormat(f string) Option {
	return func(c *Check) error {
		if strings.Count(f, "%d") != 1 {
			return fmt.Errorf("host format %q must contain one %%d", f)
		}
		c.hostFormat = f
		return nil
	}
}

// WithDomain appends a domain to node hostnames.
func WithDomain(d string) Option {
	return func(c *Check) error {
		c.domain = strings.Trim(d, ".")
		return nil
	}
}

// New creates a DNS Check targeting the given server. A check needs fixed
// queries, WithNodes, or both.
func New(server string, queries []query, opts ...Option) (*Check, error) {
	if server == "" {
		return nil, fmt.Errorf("dns: server must not be empty")
	}

	c := &Check{
		server:     server,
		timeout:    DefaultTimeout,
		queries:    queries,
		hostFormat: DefaultHostFormat,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("dns: %w", err)
		}
	}
	if len(c.queries) == 0 && c.store == nil {
		return nil, fmt.Errorf("dns: at least one query or node lookup is required")
	}

	c.client = &dns.Client{Timeout: c.timeout}
	return c, nil
}

// Type returns the check type name.
func (c *Check) Type() string {
	return TypeName
}

// Hostname returns the name the check resolves for a node.
func (c *Check) Hostname(id node.ID) string {
	h := fmt.Sprintf(c.hostFormat, int(id))
	if c.domain != "" {
		h += "." + c.domain
	}
	return h
}

// nodeQueries builds an A query per node with a recorded ip.
func (c *Check) nodeQueries(ctx context.Context) ([]query, error) {
	keys, err := c.store.Keys(ctx, node.StatusPattern)
	if err != nil {
		return nil, err
	}
	var out []query
	for _, key := range keys {
		h, err := c.store.HGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		id, err := node.ParseID(h[node.FieldNodeID])
		if err != nil {
			continue
		}
		ip := h[node.FieldIP]
		if net.ParseIP(ip) == nil {
			continue
		}
		out = append(out, query{name: c.Hostname(id), qtype: dns.TypeA, expect: ip})
	}
	return out, nil
}

// Run executes every query against the server. Each query's RTT is stored
// in microseconds keyed by the query name; failed queries have a nil value.
func (c *Check) Run(ctx context.Context) check.Result {
	queries := c.queries
	if c.store != nil {
		nq, err := c.nodeQueries(ctx)
		if err != nil {
			return check.Result{
				Timestamp: time.Now(),
				Err:       fmt.Errorf("dns: listing nodes: %w", err),
			}
		}
		queries = append(append([]query(nil), c.queries...), nq...)
	}

	metrics := make(map[string]*int64, len(queries))
	var lastErr error
	succeeded := 0

	for _, q := range queries {
		rtt, err := c.exchange(ctx, q)
		if err != nil {
			lastErr = fmt.Errorf("dns %s %s: %w", qtypeName(q.qtype), q.name, err)
			metrics[q.name] = nil
			continue
		}
		metrics[q.name] = check.Int64(rtt.Microseconds())
		succeeded++
	}

	return check.Result{
		Timestamp: time.Now(),
		Success:   succeeded == len(queries),
		Err:       lastErr,
		Metrics:   metrics,
	}
}

func (c *Check) exchange(ctx context.Context, q query) (time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(q.name), q.qtype)
	msg.RecursionDesired = true

	resp, rtt, err := c.client.ExchangeContext(ctx, msg, c.server)
	if err != nil {
		return 0, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return 0, fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
	}
	if err := validateAnswer(resp.Answer, q.qtype, q.expect); err != nil {
		return 0, err
	}
	return rtt, nil
}

// validateAnswer checks that at least one RR in the answer section matches
// the expected value for the given query type.
func validateAnswer(rrs []dns.RR, qtype uint16, expect string) error {
	for _, rr := range rrs {
		switch v := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA && normalizeIP(v.A.String()) == normalizeIP(expect) {
				return nil
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA && normalizeIP(v.AAAA.String()) == normalizeIP(expect) {
				return nil
			}
		case *dns.PTR:
			if qtype == dns.TypePTR && normalizeFQDN(v.Ptr) == normalizeFQDN(expect) {
				return nil
			}
		}
	}
	return fmt.Errorf("expected %q not found in answer", expect)
}

func normalizeIP(s string) string {
	ip := net.ParseIP(s)
	if ip == nil {
		return s
	}
	return ip.String()
}

func normalizeFQDN(s string) string {
	return strings.ToLower(strings.TrimSuffix(s, "."))
}

func qtypeName(qtype uint16) string {
	if s, ok := dns.TypeToString[qtype]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", qtype)
}

// parseQType converts A, AAAA or PTR (any case) to a miekg/dns type.
func parseQType(s string) (uint16, error) {
	switch strings.ToUpper(s) {
	case "A":
		return dns.TypeA, nil
	case "AAAA":
		return dns.TypeAAAA, nil
	case "PTR":
		return dns.TypePTR, nil
	default:
		return 0, fmt.Errorf("unsupported query type %q (supported: A, AAAA, PTR)", s)
	}
}

// NewFactory returns a Factory that builds DNS checks. Node lookups use s.
//
// Required keys:
//   - "server" (string): host:port of the DNS server to query
//
// Optional keys:
//   - "nodes" (bool): resolve every registered node's hostname
//   - "host_format" (string): default "heraNode%d"
//   - "domain" (string): appended to node hostnames
//   - "queries" (list of objects): each with "name", "type" and "expect"
//   - "timeout" (string): duration string, default "3s"
func NewFactory(s store.Store) check.Factory {
	return func(config map[string]any) (check.Check, error) {
		server, ok := config["server"].(string)
		if !ok || server == "" {
			return nil, fmt.Errorf("dns: config requires a non-empty string 'server'")
		}

		var queries []query
		if _, ok := config["queries"]; ok {
			var err error
			if queries, err = extractQueries(config["queries"]); err != nil {
				return nil, err
			}
		}

		var opts []Option
		if v, ok := config["nodes"]; ok {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("dns: 'nodes' must be a bool, got %T", v)
			}
			if b {
				opts = append(opts, WithNodes(s))
			}
		}
		for _, key := range []string{"host_format", "domain", "timeout"} {
			v, ok := config[key]
			if !ok {
				continue
			}
			str, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("dns: '%s' must be a string, got %T", key, v)
			}
			switch key {
			case "host_format":
				opts = append(opts, WithHostFormat(str))
			case "domain":
				opts = append(opts, WithDomain(str))
			case "timeout":
				d, err := time.ParseDuration(str)
				if err != nil {
					return nil, fmt.Errorf("dns: invalid timeout %q: %w", str, err)
				}
				opts = append(opts, WithTimeout(d))
			}
		}

		return New(server, queries, opts...)
	}
}

func extractQueries(raw any) ([]query, error) {
	rawList, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("dns: 'queries' must be a list, got %T", raw)
	}

	queries := make([]query, 0, len(rawList))
	for i, item := range rawList {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("dns: query at index %d must be an object, got %T", i, item)
		}
		name, ok := m["name"].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("dns: query at index %d missing required 'name'", i)
		}
		typeStr, ok := m["type"].(string)
		if !ok || typeStr == "" {
			return nil, fmt.Errorf("dns: query at index %d missing required 'type'", i)
		}
		qtype, err := parseQType(typeStr)
		if err != nil {
			return nil, fmt.Errorf("dns: query at index %d: %w", i, err)
		}
		expect, ok := m["expect"].(string)
		if !ok || expect == "" {
			return nil, fmt.Errorf("dns: query at index %d missing required 'expect'", i)
		}
		queries = append(queries, query{name: strings.TrimSuffix(name, "."), qtype: qtype, expect: expect})
	}
	return queries, nil
}
