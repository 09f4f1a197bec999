// Package beacon decodes the fixed-layout status datagram that each node's
// embedded controller broadcasts, and receives those datagrams into the
// shared store.
//
// The canonical beacon is 39 bytes, little-endian, with no tagging or
// version field:
//
//	[0:4]   uptime in milliseconds (uint32)
//	[4:24]  temp_top, temp_mid, temp_bot, temp_humid, humid (float32 each)
//	[24:31] snap_relay, fem, pam, snap_0, snap_1, snap_2, snap_3 (one byte each)
//	[31:37] MAC address
//	[37]    node id
//	[38]    node id metadata
package beacon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"

	"github.com/kylerisse/nodectl/pkg/node"
)

// Size is the length of a canonical beacon.
const Size = 39

// Sentinel is the value the controller reports for a sensor it could not
// read.
const Sentinel = -99.0

// ErrShortPacket is returned for datagrams shorter than Size.
var ErrShortPacket = errors.New("beacon: short packet")

const (
	offUptime  = 0
	offSensors = 4
	offPower   = 24
	offMAC     = 31
	offNodeID  = 37
	offMeta    = 38
)

// powerOrder is the order of the power bytes on the wire. It differs from
// node.Rails.
var powerOrder = []node.Rail{
	node.RailSnapRelay,
	node.RailFEM,
	node.RailPAM,
	node.RailSnap0,
	node.RailSnap1,
	node.RailSnap2,
	node.RailSnap3,
}

// Decode parses a beacon received from ip. Bytes beyond Size are ignored.
// The returned status has no timestamp; the receiver stamps it.
func Decode(buf []byte, ip string) (node.Status, error) {
	if len(buf) < Size {
		return node.Status{}, fmt.Errorf("%w: %d bytes, need %d", ErrShortPacket, len(buf), Size)
	}

	s := node.Status{
		ID:       node.ID(buf[offNodeID]),
		Metadata: buf[offMeta],
		MAC:      net.HardwareAddr(buf[offMAC : offMAC+6]).String(),
		IP:       ip,
		UptimeMS: binary.LittleEndian.Uint32(buf[offUptime:]),
		Power:    make(map[node.Rail]bool, len(powerOrder)),
	}

	readings := make([]*float64, 5)
	for i := range readings {
		readings[i] = reading(buf[offSensors+4*i:])
	}
	s.Sensors = node.Sensors{
		TempTop:   readings[0],
		TempMid:   readings[1],
		TempBot:   readings[2],
		TempHumid: readings[3],
		Humid:     readings[4],
	}

	for i, r := range powerOrder {
		s.Power[r] = buf[offPower+i] != 0
	}
	return s, nil
}

// reading decodes one float32 sensor value, mapping the sentinel and
// non-finite values to nil and rounding to two decimals.
func reading(b []byte) *float64 {
	f := float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	if math.IsNaN(f) || math.IsInf(f, 0) || f == Sentinel {
		return nil
	}
	f = math.Round(f*100) / 100
	return &f
}

// Encode renders a status in the canonical beacon layout. Unavailable
// readings are written as the sentinel. A MAC that does not parse is
// written as zeros.
func Encode(s node.Status) []byte {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint32(buf[offUptime:], s.UptimeMS)

	readings := []*float64{
		s.Sensors.TempTop,
		s.Sensors.TempMid,
		s.Sensors.TempBot,
		s.Sensors.TempHumid,
		s.Sensors.Humid,
	}
	for i, r := range readings {
		v := float32(Sentinel)
		if r != nil {
			v = float32(*r)
		}
		binary.LittleEndian.PutUint32(buf[offSensors+4*i:], math.Float32bits(v))
	}

	for i, r := range powerOrder {
		if s.Power[r] {
			buf[offPower+i] = 1
		}
	}

	if mac, err := net.ParseMAC(s.MAC); err == nil && len(mac) == 6 {
		copy(buf[offMAC:], mac)
	}
	buf[offNodeID] = byte(s.ID)
	buf[offMeta] = s.Metadata
	return buf
}
