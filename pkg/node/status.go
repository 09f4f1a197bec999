package node

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Status hash fields written by the beacon receiver.
const (
	FieldIP        = "ip"
	FieldMAC       = "mac"
	FieldNodeID    = "node_ID"
	FieldMetadata  = "node_ID_metadata"
	FieldTempTop   = "temp_top"
	FieldTempMid   = "temp_mid"
	FieldTempBot   = "temp_bot"
	FieldTempHumid = "temp_humid"
	FieldHumid     = "humid"
	FieldUptime    = "cpu_uptime_ms"
	FieldTimestamp = "timestamp"
)

// Unavailable is the stored text of a sensor reading the device could not
// take.
const Unavailable = "None"

// Sensors holds environmental readings. A nil pointer means the reading
// was unavailable.
type Sensors struct {
	TempTop   *float64 `json:"temp_top"`
	TempMid   *float64 `json:"temp_mid"`
	TempBot   *float64 `json:"temp_bot"`
	TempHumid *float64 `json:"temp_humid"`
	Humid     *float64 `json:"humid"`
}

type sensorField struct {
	name string
	get  func(*Sensors) **float64
}

var sensorFields = []sensorField{
	{FieldTempTop, func(s *Sensors) **float64 { return &s.TempTop }},
	{FieldTempMid, func(s *Sensors) **float64 { return &s.TempMid }},
	{FieldTempBot, func(s *Sensors) **float64 { return &s.TempBot }},
	{FieldTempHumid, func(s *Sensors) **float64 { return &s.TempHumid }},
	{FieldHumid, func(s *Sensors) **float64 { return &s.Humid }},
}

// Map returns the available readings keyed by status field name.
func (s Sensors) Map() map[string]float64 {
	out := make(map[string]float64, len(sensorFields))
	for _, f := range sensorFields {
		if v := *f.get(&s); v != nil {
			out[f.name] = *v
		}
	}
	return out
}

// Status is the last reported state of a node.
type Status struct {
	ID        ID            `json:"node_id"`
	Metadata  uint8         `json:"node_id_metadata"`
	MAC       string        `json:"mac"`
	IP        string        `json:"ip"`
	Sensors   Sensors       `json:"sensors"`
	Power     map[Rail]bool `json:"power"`
	UptimeMS  uint32        `json:"cpu_uptime_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// Age returns how old the status is at now. A status without a timestamp
// has an unbounded age.
func (s Status) Age(now time.Time) time.Duration {
	if s.Timestamp.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return now.Sub(s.Timestamp)
}

// Stale reports whether the status is older than threshold at now.
func (s Status) Stale(now time.Time, threshold time.Duration) bool {
	return s.Age(now) > threshold
}

// Hash encodes the status into status hash fields.
func (s Status) Hash() map[string]string {
	h := map[string]string{
		FieldIP:        s.IP,
		FieldMAC:       s.MAC,
		FieldNodeID:    s.ID.String(),
		FieldMetadata:  strconv.Itoa(int(s.Metadata)),
		FieldUptime:    strconv.FormatUint(uint64(s.UptimeMS), 10),
		FieldTimestamp: FormatUnix(s.Timestamp),
	}
	for _, f := range sensorFields {
		h[f.name] = formatReading(*f.get(&s.Sensors))
	}
	for _, r := range Rails {
		h[r.StatusField()] = FormatBit(s.Power[r])
	}
	return h
}

// StatusFromHash decodes a status hash. Missing or malformed fields are
// left at their zero value. A malformed timestamp leaves the status without
// one, which makes it stale.
func StatusFromHash(h map[string]string) Status {
	s := Status{
		IP:    h[FieldIP],
		MAC:   h[FieldMAC],
		Power: make(map[Rail]bool, len(Rails)),
	}
	if id, err := ParseID(h[FieldNodeID]); err == nil {
		s.ID = id
	}
	if v, err := strconv.ParseUint(strings.TrimSpace(h[FieldMetadata]), 10, 8); err == nil {
		s.Metadata = uint8(v)
	}
	if v, err := strconv.ParseUint(strings.TrimSpace(h[FieldUptime]), 10, 32); err == nil {
		s.UptimeMS = uint32(v)
	}
	if ts, err := ParseTimestamp(h[FieldTimestamp]); err == nil {
		s.Timestamp = ts
	}
	for _, f := range sensorFields {
		*f.get(&s.Sensors) = parseReading(h[f.name])
	}
	for _, r := range Rails {
		if v, ok := h[r.StatusField()]; ok {
			s.Power[r] = ParseBit(v)
		}
	}
	return s
}

func formatReading(v *float64) string {
	if v == nil {
		return Unavailable
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func parseReading(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == Unavailable {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
