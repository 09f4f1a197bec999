package sender

import (
	"fmt"
	"strings"

	"github.com/kylerisse/nodectl/pkg/node"
)

// Protocol selects the command vocabulary a node controller understands.
type Protocol int

const (
	// ProtocolV2 switches each SNAP board individually.
	ProtocolV2 Protocol = iota
	// ProtocolV1 switches SNAP boards in pairs (snap_0_1, snap_2_3). An
	// individual SNAP rail addresses the pair it belongs to.
	ProtocolV1
)

// Command names that are not power rails.
const (
	CommandReset = "reset"
	CommandPoke  = "poke"
)

// Paired SNAP command names understood by ProtocolV1 controllers.
const (
	CommandSnap01 = "snap_0_1"
	CommandSnap23 = "snap_2_3"
)

// ParseProtocol parses "v1" or "v2".
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "v2", "2":
		return ProtocolV2, nil
	case "v1", "1":
		return ProtocolV1, nil
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

func (p Protocol) String() string {
	if p == ProtocolV1 {
		return "v1"
	}
	return "v2"
}

// powerPrefixes maps each allowed power command name to its wire prefix.
func (p Protocol) powerPrefixes() map[string]string {
	m := map[string]string{
		string(node.RailSnapRelay): "snapRelay",
		string(node.RailFEM):       "FEM",
		string(node.RailPAM):       "PAM",
	}
	if p == ProtocolV1 {
		m[CommandSnap01] = "snapv2_0_1"
		m[CommandSnap23] = "snapv2_2_3"
		for i, r := range node.SnapRails {
			m[string(r)] = m[CommandSnap01]
			if i >= 2 {
				m[string(r)] = m[CommandSnap23]
			}
		}
		return m
	}
	for i, r := range node.SnapRails {
		m[string(r)] = fmt.Sprintf("snapv2_%d", i)
	}
	return m
}

// Token validates a command against the protocol's allow-list and returns
// its wire form. Power commands take "on" or "off"; reset and poke take no
// value.
func (p Protocol) Token(name, value string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case CommandReset, CommandPoke:
		if strings.TrimSpace(value) != "" {
			return "", fmt.Errorf("%w: %s takes no value, got %q", ErrNotAllowed, name, value)
		}
		return name, nil
	}

	prefix, ok := p.powerPrefixes()[name]
	if !ok {
		return "", fmt.Errorf("%w: command %q is not in the %s allow-list", ErrNotAllowed, name, p)
	}
	v, ok := node.NormalizeValue(value)
	if !ok {
		return "", fmt.Errorf("%w: %s value %q must be on or off", ErrNotAllowed, name, value)
	}
	return prefix + "_" + v, nil
}

// Commands lists the command names the protocol accepts.
func (p Protocol) Commands() []string {
	var out []string
	if p == ProtocolV1 {
		out = []string{string(node.RailSnapRelay), CommandSnap01, CommandSnap23}
	} else {
		out = []string{string(node.RailSnapRelay)}
		for _, r := range node.SnapRails {
			out = append(out, string(r))
		}
	}
	return append(out, string(node.RailFEM), string(node.RailPAM), CommandReset, CommandPoke)
}
