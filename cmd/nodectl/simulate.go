package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/kylerisse/nodectl/pkg/beacon"
	"github.com/kylerisse/nodectl/pkg/clock"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/sender"
)

func init() {
	register(command{
		name:    "simulate",
		args:    "<node>",
		summary: "Pretend to be a node controller: send status beacons and obey commands.",
		setup:   setupSimulate,
	})
}

type simulateFlags struct {
	to       string
	listen   string
	mac      string
	interval time.Duration
	count    int
	temp     float64
}

func setupSimulate(fs *pflag.FlagSet) runner {
	var f simulateFlags
	fs.StringVar(&f.to, "to", "127.0.0.1:8889", "receiver address beacons are sent to")
	fs.StringVar(&f.listen, "listen", "", "address to accept commands on, for example :8888 (none by default)")
	fs.StringVar(&f.mac, "mac", "", "MAC address to report")
	fs.DurationVar(&f.interval, "interval", time.Second, "time between beacons")
	fs.IntVar(&f.count, "count", 0, "stop after this many beacons (0 runs until interrupted)")
	fs.Float64Var(&f.temp, "temp", 25, "temperature to report on every sensor")
	return func(ctx context.Context, e *env, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected <node>")
		}
		id, err := parseNodeID(args[0])
		if err != nil {
			return err
		}
		if f.interval <= 0 {
			return fmt.Errorf("--interval must be positive")
		}
		proto, err := sender.ParseProtocol(e.cfg.Sender.Protocol)
		if err != nil {
			return err
		}
		sim := newSimulator(id, proto, e.clock)
		sim.mac = f.mac
		sim.temp = f.temp
		return sim.run(ctx, e, f)
	}
}

// simAction is what one wire token does to a simulated controller.
type simAction struct {
	rails []node.Rail
	on    bool
	reset bool
}

// simulator is a stand-in node controller.
type simulator struct {
	id    node.ID
	mac   string
	temp  float64
	clock clock.Clock
	// tokens maps each wire token the protocol can send to its effect.
	tokens map[string]simAction

	mu    sync.Mutex
	power map[node.Rail]bool
	boot  time.Time
}

func newSimulator(id node.ID, p sender.Protocol, c clock.Clock) *simulator {
	s := &simulator{
		id:     id,
		clock:  c,
		tokens: make(map[string]simAction),
		power:  make(map[node.Rail]bool, len(node.Rails)),
		boot:   c.Now(),
	}
	for _, name := range p.Commands() {
		switch name {
		case sender.CommandReset:
			s.tokens[name] = simAction{reset: true}
			continue
		case sender.CommandPoke:
			s.tokens[name] = simAction{}
			continue
		}
		rails := []node.Rail{node.Rail(name)}
		switch name {
		case sender.CommandSnap01:
			rails = []node.Rail{node.RailSnap0, node.RailSnap1}
		case sender.CommandSnap23:
			rails = []node.Rail{node.RailSnap2, node.RailSnap3}
		}
		for _, v := range []string{node.On, node.Off} {
			tok, err := p.Token(name, v)
			if err != nil {
				continue
			}
			s.tokens[tok] = simAction{rails: rails, on: v == node.On}
		}
	}
	return s
}

// apply executes a received token and reports whether it was understood.
func (s *simulator) apply(token string) bool {
	a, ok := s.tokens[strings.TrimSpace(token)]
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.reset {
		clear(s.power)
		s.boot = s.clock.Now()
		return true
	}
	for _, r := range a.rails {
		s.power[r] = a.on
	}
	return true
}

func (s *simulator) status() node.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	power := make(map[node.Rail]bool, len(node.Rails))
	for _, r := range node.Rails {
		power[r] = s.power[r]
	}
	temp := s.temp
	return node.Status{
		ID:  s.id,
		MAC: s.mac,
		Sensors: node.Sensors{
			TempTop:   &temp,
			TempMid:   &temp,
			TempBot:   &temp,
			TempHumid: &temp,
		},
		Power:    power,
		UptimeMS: uint32(s.clock.Now().Sub(s.boot).Milliseconds()),
	}
}

// serveCommands applies every datagram received on conn until it closes.
func (s *simulator) serveCommands(conn net.PacketConn, e *env) {
	buf := make([]byte, 256)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.logger.Warnf("simulate: read failed: %v", err)
			}
			return
		}
		token := string(buf[:n])
		if s.apply(token) {
			e.logger.Infof("simulate: node %d applied %q from %v", s.id, token, from)
		} else {
			e.logger.Warnf("simulate: node %d ignored unknown command %q from %v", s.id, token, from)
		}
	}
}

func (s *simulator) run(ctx context.Context, e *env, f simulateFlags) error {
	conn, err := net.Dial("udp", f.to)
	if err != nil {
		return fmt.Errorf("dial receiver: %w", err)
	}
	defer conn.Close()

	if f.listen != "" {
		pc, err := net.ListenPacket("udp", f.listen)
		if err != nil {
			return fmt.Errorf("listen for commands: %w", err)
		}
		defer pc.Close()
		go s.serveCommands(pc, e)
		fmt.Fprintf(e.out, "Node %d accepting commands on %s\n", s.id, pc.LocalAddr())
	}

	fmt.Fprintf(e.out, "Node %d sending beacons to %s every %v\n", s.id, f.to, f.interval)
	for sent := 0; f.count <= 0 || sent < f.count; sent++ {
		if sent > 0 {
			if err := s.clock.Sleep(ctx, f.interval); err != nil {
				break
			}
		}
		if _, err := conn.Write(beacon.Encode(s.status())); err != nil {
			e.logger.Warnf("simulate: send failed: %v", err)
		}
	}
	return nil
}
