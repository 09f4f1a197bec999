// Package issue records operator intent in the shared store. It never talks
// to a node directly: the dispatcher picks the requests up and sends them.
package issue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/store"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidNode is returned for node ids outside [0, node.MaxNodes).
	ErrInvalidNode = errors.New("issue: invalid node")

	// ErrInvalidValue is returned for power values other than on or off.
	ErrInvalidValue = errors.New("issue: invalid value")
)

// Policy decides how SNAP requests involve the SNAP relay that feeds them.
type Policy int

const (
	// PolicyInfer adds the relay to SNAP requests: on before any SNAP is
	// switched on, off once all four SNAPs are switched off.
	PolicyInfer Policy = iota
	// PolicyExplicit sets only the rails requested.
	PolicyExplicit
)

// ParsePolicy parses "infer" or "explicit".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "infer":
		return PolicyInfer, nil
	case "explicit":
		return PolicyExplicit, nil
	}
	return 0, fmt.Errorf("unknown snap relay policy %q", s)
}

func (p Policy) String() string {
	if p == PolicyExplicit {
		return "explicit"
	}
	return "infer"
}

// Request asks for rails on a set of nodes to be switched.
type Request struct {
	IDs   []node.ID
	Rails []node.Rail
	Value string
}

// Issuer writes command requests.
type Issuer struct {
	store  store.Store
	policy Policy
	logger *logrus.Logger
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithPolicy sets the snap relay policy.
func WithPolicy(p Policy) Option {
	return func(is *Issuer) { is.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(is *Issuer) { is.logger = l }
}

// New creates an Issuer writing to s.
func New(s store.Store, opts ...Option) *Issuer {
	is := &Issuer{
		store:  s,
		policy: PolicyInfer,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(is)
	}
	return is
}

// ValidateIDs checks every id is addressable.
func ValidateIDs(ids []node.ID) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: no nodes given", ErrInvalidNode)
	}
	for _, id := range ids {
		if !id.Valid() {
			return fmt.Errorf("%w: %d is outside 0..%d", ErrInvalidNode, id, node.MaxNodes-1)
		}
	}
	return nil
}

// Rails applies the relay policy to a request and returns the rails to
// write, in dispatch order.
func (is *Issuer) Rails(rails []node.Rail, value string) []node.Rail {
	want := make(map[node.Rail]bool, len(rails)+1)
	snaps := 0
	for _, r := range rails {
		if !want[r] && r.IsSnap() {
			snaps++
		}
		want[r] = true
	}

	switch {
	case snaps == 0 || want[node.RailSnapRelay]:
	case is.policy == PolicyExplicit:
		if value == node.On {
			is.logger.Warnf("SNAP power requested without the SNAP relay; the SNAPs stay dark until it is on")
		}
	case value == node.On:
		want[node.RailSnapRelay] = true
	case snaps == len(node.SnapRails):
		want[node.RailSnapRelay] = true
	}

	out := make([]node.Rail, 0, len(want))
	for _, r := range node.Rails {
		if want[r] {
			out = append(out, r)
		}
	}
	return out
}

// Power requests rails on every node in req. It returns the rails written
// after the relay policy was applied.
func (is *Issuer) Power(ctx context.Context, req Request) ([]node.Rail, error) {
	if err := ValidateIDs(req.IDs); err != nil {
		return nil, err
	}
	value, ok := node.NormalizeValue(req.Value)
	if !ok {
		return nil, fmt.Errorf("%w: %q must be on or off", ErrInvalidValue, req.Value)
	}
	if len(req.Rails) == 0 {
		return nil, fmt.Errorf("issue: no rails given")
	}

	rails := is.Rails(req.Rails, value)
	fields := make(map[string]string, 2*len(rails))
	for _, r := range rails {
		fields[r.CommandField()] = value
		fields[r.TriggerField()] = node.FlagTrue
	}
	for _, id := range req.IDs {
		if err := is.store.HSet(ctx, node.CommandKey(id), fields); err != nil {
			return nil, err
		}
	}
	is.logger.Infof("Requested %v %s on nodes %v", rails, value, req.IDs)
	return rails, nil
}

// Reset requests a controller reset on every node.
func (is *Issuer) Reset(ctx context.Context, ids []node.ID) error {
	if err := ValidateIDs(ids); err != nil {
		return err
	}
	for _, id := range ids {
		if err := is.store.HSet(ctx, node.CommandKey(id), map[string]string{node.FieldReset: node.FlagTrue}); err != nil {
			return err
		}
	}
	is.logger.Infof("Requested reset on nodes %v", ids)
	return nil
}

// Init clears every pending trigger on the nodes.
func (is *Issuer) Init(ctx context.Context, ids []node.ID) error {
	if err := ValidateIDs(ids); err != nil {
		return err
	}
	for _, id := range ids {
		if err := is.store.HSet(ctx, node.CommandKey(id), node.ClearedTriggers()); err != nil {
			return err
		}
	}
	return nil
}

// Exists splits ids into nodes that report a status and nodes that do not.
func (is *Issuer) Exists(ctx context.Context, ids []node.ID) (present, missing []node.ID, err error) {
	for _, id := range ids {
		h, err := is.store.HGetAll(ctx, node.StatusKey(id))
		if err != nil {
			return nil, nil, err
		}
		if len(h) >= node.MinStatusFields {
			present = append(present, id)
		} else {
			missing = append(missing, id)
		}
	}
	return present, missing, nil
}

// Commands returns the decoded command hash of each node.
func (is *Issuer) Commands(ctx context.Context, ids []node.ID) (map[node.ID]node.Command, error) {
	out := make(map[node.ID]node.Command, len(ids))
	for _, id := range ids {
		h, err := is.store.HGetAll(ctx, node.CommandKey(id))
		if err != nil {
			return nil, err
		}
		out[id] = node.CommandFromHash(h)
	}
	return out, nil
}

// Pending lists, per node, the commands whose trigger is still set. Nodes
// with nothing pending are omitted.
func (is *Issuer) Pending(ctx context.Context, ids []node.ID) (map[node.ID][]string, error) {
	cmds, err := is.Commands(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[node.ID][]string)
	for id, c := range cmds {
		var names []string
		for _, r := range c.Pending() {
			names = append(names, string(r))
		}
		if c.Reset {
			names = append(names, node.FieldReset)
		}
		if len(names) > 0 {
			out[id] = names
		}
	}
	return out, nil
}

// LastCommands returns the audit of the last dispatch of each rail, keyed
// by rail name, with "reset" for resets.
func (is *Issuer) LastCommands(ctx context.Context, ids []node.ID) (map[node.ID]map[string]node.Audit, error) {
	cmds, err := is.Commands(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[node.ID]map[string]node.Audit, len(cmds))
	for id, c := range cmds {
		m := make(map[string]node.Audit)
		for r, rc := range c.Rails {
			if rc.Last != nil {
				m[string(r)] = *rc.Last
			}
		}
		if c.ResetLast != nil {
			m[node.FieldReset] = *c.ResetLast
		}
		out[id] = m
	}
	return out, nil
}

// Register writes a minimal status for a node that has not beaconed yet,
// so the dispatcher picks it up.
func (is *Issuer) Register(ctx context.Context, id node.ID, ip string) error {
	if err := ValidateIDs([]node.ID{id}); err != nil {
		return err
	}
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("issue: invalid ip %q", ip)
	}
	return is.store.HSet(ctx, node.StatusKey(id), map[string]string{
		node.FieldNodeID: id.String(),
		node.FieldIP:     ip,
	})
}

// Unregister deletes a node's status.
func (is *Issuer) Unregister(ctx context.Context, id node.ID) error {
	if err := ValidateIDs([]node.ID{id}); err != nil {
		return err
	}
	return is.store.Del(ctx, node.StatusKey(id))
}

// ParseIDs parses a node list such as "3", "1,4,7", "0-5" or "all".
func ParseIDs(s string) ([]node.ID, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "all") {
		ids := make([]node.ID, node.MaxNodes)
		for i := range ids {
			ids[i] = node.ID(i)
		}
		return ids, nil
	}

	seen := make(map[node.ID]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidNode, part)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil || b < a {
				return nil, fmt.Errorf("%w: %q", ErrInvalidNode, part)
			}
		}
		for i := a; i <= b; i++ {
			seen[node.ID(i)] = true
		}
	}

	ids := make([]node.ID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if err := ValidateIDs(ids); err != nil {
		return nil, err
	}
	return ids, nil
}
