package node

import (
	"fmt"
	"strings"
	"time"
)

// RailCommand is the pending request for one rail.
type RailCommand struct {
	Trigger bool   `json:"trigger"`
	Value   string `json:"value,omitempty"`
	Last    *Audit `json:"last,omitempty"`
}

// Command is the decoded command hash of a node.
type Command struct {
	Rails     map[Rail]RailCommand `json:"rails"`
	Reset     bool                 `json:"reset"`
	ResetLast *Audit               `json:"reset_last,omitempty"`
}

// CommandFromHash decodes a command hash.
func CommandFromHash(h map[string]string) Command {
	c := Command{
		Rails: make(map[Rail]RailCommand, len(Rails)),
		Reset: ParseFlag(h[FieldReset]),
	}
	for _, r := range Rails {
		rc := RailCommand{
			Trigger: ParseFlag(h[r.TriggerField()]),
			Value:   CommandValue(h[r.CommandField()]),
		}
		if a, err := ParseAudit(h[r.LastField()]); err == nil {
			rc.Last = &a
		}
		c.Rails[r] = rc
	}
	if a, err := ParseAudit(h[FieldResetLast]); err == nil {
		c.ResetLast = &a
	}
	return c
}

// Pending lists the rails whose trigger is set, in dispatch order.
func (c Command) Pending() []Rail {
	var out []Rail
	for _, r := range Rails {
		if c.Rails[r].Trigger {
			out = append(out, r)
		}
	}
	return out
}

// CommandValue extracts the desired value from a stored command field.
// Some writers append "|<unix>" to the value; only the value is returned.
func CommandValue(s string) string {
	v, _, _ := strings.Cut(s, "|")
	return strings.ToLower(strings.TrimSpace(v))
}

// ClearedTriggers returns command hash fields with every trigger and the
// reset flag unset.
func ClearedTriggers() map[string]string {
	h := make(map[string]string, len(Rails)+1)
	for _, r := range Rails {
		h[r.TriggerField()] = FlagFalse
	}
	h[FieldReset] = FlagFalse
	return h
}

// Outcome of a dispatched command.
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
)

// Audit records the last dispatch of a rail.
type Audit struct {
	Value   string    `json:"value"`
	Time    time.Time `json:"time"`
	Outcome string    `json:"outcome"`
}

// String encodes the audit as "<value>|<unix>|<outcome>".
func (a Audit) String() string {
	return a.Value + "|" + FormatUnix(a.Time) + "|" + a.Outcome
}

// ParseAudit decodes an audit field.
func ParseAudit(s string) (Audit, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return Audit{}, fmt.Errorf("invalid audit %q", s)
	}
	t, err := ParseUnix(parts[1])
	if err != nil {
		return Audit{}, err
	}
	return Audit{Value: parts[0], Time: t, Outcome: parts[2]}, nil
}
