package node

import (
	"fmt"
	"strings"
)

// Rail is one independently controllable power circuit on a node.
type Rail string

const (
	RailSnapRelay Rail = "snap_relay"
	RailSnap0     Rail = "snap_0"
	RailSnap1     Rail = "snap_1"
	RailSnap2     Rail = "snap_2"
	RailSnap3     Rail = "snap_3"
	RailFEM       Rail = "fem"
	RailPAM       Rail = "pam"
)

// Rails lists every power rail in dispatch order. The relay precedes the
// individual SNAP rails it feeds.
var Rails = []Rail{
	RailSnapRelay,
	RailSnap0,
	RailSnap1,
	RailSnap2,
	RailSnap3,
	RailFEM,
	RailPAM,
}

// SnapRails lists the four individually switched SNAP rails.
var SnapRails = []Rail{RailSnap0, RailSnap1, RailSnap2, RailSnap3}

// ParseRail accepts a rail name as stored ("snap_0") or as typed by an
// operator ("snap0", "FEM").
func ParseRail(s string) (Rail, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(v, "snap") && len(v) == 5 && v[4] >= '0' && v[4] <= '3' {
		v = "snap_" + v[4:]
	}
	if v == "relay" || v == "snaprelay" {
		v = string(RailSnapRelay)
	}
	for _, r := range Rails {
		if string(r) == v {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown rail %q", s)
}

// IsSnap reports whether the rail is one of the four SNAP board rails.
func (r Rail) IsSnap() bool {
	for _, s := range SnapRails {
		if r == s {
			return true
		}
	}
	return false
}

// TriggerField is the command hash field holding the rail's trigger flag.
func (r Rail) TriggerField() string {
	return "power_" + string(r) + "_ctrl_trig"
}

// CommandField is the command hash field holding the rail's desired value.
func (r Rail) CommandField() string {
	return "power_" + string(r) + "_cmd"
}

// LastField is the command hash field holding the rail's dispatch audit.
func (r Rail) LastField() string {
	return "power_" + string(r) + "_last"
}

// StatusField is the status hash field holding the rail's observed state.
func (r Rail) StatusField() string {
	return "power_" + string(r)
}
