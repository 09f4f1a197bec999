// Package node defines the shared-state model for node control: node ids,
// power rails, and the key layout and string encodings used in the shared
// store.
//
// Values in the store are strings for compatibility with existing tooling.
// The helpers here convert them to real types at the boundary so callers
// never branch on raw strings.
package node

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MaxNodes is the number of node ids a site addresses (0..MaxNodes-1).
const MaxNodes = 30

// MinStatusFields is the minimum number of fields a status hash must carry
// for the node to count as present.
const MinStatusFields = 2

// ID identifies a node. Ids are small non-negative integers set by the
// digital I/O card in each node chassis.
type ID int

// ParseID parses a decimal node id.
func ParseID(s string) (ID, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid node id %d: must not be negative", n)
	}
	return ID(n), nil
}

// Valid reports whether the id is within the addressable range.
func (id ID) Valid() bool {
	return id >= 0 && id < MaxNodes
}

func (id ID) String() string {
	return strconv.Itoa(int(id))
}

// StatusKey returns the key of the node's status hash.
func StatusKey(id ID) string {
	return fmt.Sprintf("status:node:%d", id)
}

// CommandKey returns the key of the node's command hash.
func CommandKey(id ID) string {
	return fmt.Sprintf("commands:node:%d", id)
}

// ThrottleKey returns the key of the node's throttle hash.
func ThrottleKey(id ID) string {
	return fmt.Sprintf("throttle:node:%d", id)
}

// StatusPattern matches every node status key.
const StatusPattern = "status:node:*"

// Throttle hash fields.
const (
	FieldLastCommand = "last_command_sec"
	FieldLastPoke    = "last_poke_sec"
)

// Command hash fields that are not tied to a power rail.
const (
	FieldReset     = "reset"
	FieldResetLast = "reset_last"
)

// Flag values used for triggers.
const (
	FlagTrue  = "True"
	FlagFalse = "False"
)

// Power command values.
const (
	On  = "on"
	Off = "off"
)

// ParseFlag decodes a trigger flag. Only "True" (any case) is set; missing,
// empty or unknown values are unset.
func ParseFlag(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), FlagTrue)
}

// FormatFlag encodes a trigger flag.
func FormatFlag(b bool) string {
	if b {
		return FlagTrue
	}
	return FlagFalse
}

// ParseBit decodes a power state bit from a status hash. Beacons write
// "1"/"0"; older writers used "True"/"False".
func ParseBit(s string) bool {
	switch strings.TrimSpace(s) {
	case "1", "True", "true":
		return true
	}
	return false
}

// FormatBit encodes a power state bit for a status hash.
func FormatBit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// NormalizeValue lower-cases a power command value and reports whether it
// is one of on/off.
func NormalizeValue(s string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	return v, v == On || v == Off
}

// FormatUnix encodes a time as a unix float with microsecond precision.
func FormatUnix(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

// ParseUnix decodes a unix float. A missing or malformed value is the zero
// time and an error.
func ParseUnix(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid unix time %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("invalid unix time %q: not finite", s)
	}
	if f <= 0 {
		return time.Time{}, nil
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), nil
}

// legacyTimestamp is the layout older receivers used for status timestamps.
const legacyTimestamp = "2006-01-02 15:04:05.999999"

// ParseTimestamp decodes a status timestamp written as a unix float,
// RFC 3339, or the legacy local-time layout.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := ParseUnix(s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(legacyTimestamp, s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
