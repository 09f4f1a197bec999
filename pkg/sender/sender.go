// Package sender transmits textual power commands to a node's embedded
// controller over UDP.
//
// A Sender is either connected, holding an open datagram socket to one
// controller, or not connected. Not-connected senders model sites where only
// store-mediated control is allowed: every send is a no-op that reports
// ErrNotConnected. Every state-changing send is followed by a quiescence
// delay that gives the controller's relays time to settle.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kylerisse/nodectl/pkg/clock"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPort is the UDP port node controllers accept commands on.
	DefaultPort = 8888

	// DefaultQuiescence is the pause after each state-changing command.
	DefaultQuiescence = 500 * time.Millisecond

	// MaxQuiescence bounds the configurable quiescence.
	MaxQuiescence = 2 * time.Second
)

var (
	// ErrNotConnected is returned by every send on a not-connected sender.
	ErrNotConnected = errors.New("sender: not connected")

	// ErrNotAllowed is returned for a command or value outside the
	// protocol's allow-list. Nothing is transmitted.
	ErrNotAllowed = errors.New("sender: command not allowed")
)

// DefaultDirectControlHosts are the hostnames allowed to talk to node
// controllers directly.
var DefaultDirectControlHosts = []string{"hera-mobile", "hera-node-head"}

// DirectControlAllowed reports whether the local host may send commands to
// controllers itself rather than only through the store.
func DirectControlAllowed(allowed []string, force bool) bool {
	if force {
		return true
	}
	host, err := os.Hostname()
	if err != nil {
		return false
	}
	for _, h := range allowed {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// Sender sends commands to one node controller.
type Sender struct {
	addr       string
	port       int
	bind       string
	quiescence time.Duration
	protocol   Protocol
	remote     bool
	clock      clock.Clock
	logger     *logrus.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected bool
}

// Option is a functional option for configuring a Sender.
type Option func(*Sender) error

// WithPort sets the controller's command port.
func WithPort(port int) Option {
	return func(s *Sender) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("port must be in 1..65535, got %d", port)
		}
		s.port = port
		return nil
	}
}

// WithQuiescence sets the delay after each state-changing command.
func WithQuiescence(d time.Duration) Option {
	return func(s *Sender) error {
		if d < 0 || d > MaxQuiescence {
			return fmt.Errorf("quiescence must be in 0..%v, got %v", MaxQuiescence, d)
		}
		s.quiescence = d
		return nil
	}
}

// WithProtocol selects the controller's command vocabulary.
func WithProtocol(p Protocol) Option {
	return func(s *Sender) error {
		s.protocol = p
		return nil
	}
}

// WithBind sets the local address the socket is bound to.
func WithBind(addr string) Option {
	return func(s *Sender) error {
		s.bind = addr
		return nil
	}
}

// WithRemote forces the sender into not-connected mode.
func WithRemote(remote bool) Option {
	return func(s *Sender) error {
		s.remote = remote
		return nil
	}
}

// WithClock sets the clock used for quiescence.
func WithClock(c clock.Clock) Option {
	return func(s *Sender) error {
		s.clock = c
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Sender) error {
		s.logger = l
		return nil
	}
}

// New creates a Sender for the controller at addr. A socket failure is not
// an error: the sender comes up not connected and logs why. Only invalid
// options are errors.
func New(addr string, opts ...Option) (*Sender, error) {
	s := &Sender{
		addr:       strings.TrimSpace(addr),
		port:       DefaultPort,
		quiescence: DefaultQuiescence,
		protocol:   ProtocolV2,
		clock:      clock.Real(),
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("sender: %w", err)
		}
	}
	s.open()
	return s, nil
}

// open establishes the datagram socket when direct control is possible.
func (s *Sender) open() {
	if s.remote || s.addr == "" || s.addr == "remote" || !strings.Contains(s.addr, ".") {
		s.logger.Debugf("Sender for %q is remote, commands go through the store only", s.addr)
		return
	}

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.addr, strconv.Itoa(s.port)))
	if err != nil {
		s.logger.Errorf("Sender for %s: cannot resolve address, marking not connected (%v)", s.addr, err)
		return
	}
	var laddr *net.UDPAddr
	if s.bind != "" {
		laddr, err = net.ResolveUDPAddr("udp", s.bind)
		if err != nil {
			s.logger.Errorf("Sender for %s: cannot resolve bind address %s, marking not connected (%v)", s.addr, s.bind, err)
			return
		}
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		s.logger.Errorf("Sender for %s: socket failed, marking not connected (%v)", s.addr, err)
		return
	}
	s.conn = conn
	s.connected = true
}

// Addr returns the controller's IP address as given to New.
func (s *Sender) Addr() string {
	return s.addr
}

// Connected reports whether sends reach the wire.
func (s *Sender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Send validates and transmits one command. Value is "on" or "off" for
// power commands and empty for reset and poke. State-changing commands
// block for the quiescence interval after transmission; the delay always
// runs to completion.
func (s *Sender) Send(ctx context.Context, name, value string) error {
	token, err := s.protocol.Token(name, value)
	if err != nil {
		s.logger.Warnf("Sender for %s: %v - ignored", s.addr, err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		s.logger.Debugf("Sender for %s: not connected, %s not sent", s.addr, token)
		return ErrNotConnected
	}

	if _, err := s.conn.Write([]byte(token)); err != nil {
		s.logger.Errorf("Sender for %s: send %s failed, marking not connected (%v)", s.addr, token, err)
		s.connected = false
		_ = s.conn.Close()
		s.conn = nil
		return fmt.Errorf("sender: send %s to %s: %w", token, s.addr, err)
	}
	s.logger.Debugf("Sent %s to %s", token, s.addr)

	if name != CommandPoke && s.quiescence > 0 {
		_ = s.clock.Sleep(context.Background(), s.quiescence)
	}
	return nil
}

// Power sets one rail on or off.
func (s *Sender) Power(ctx context.Context, rail node.Rail, value string) error {
	return s.Send(ctx, string(rail), value)
}

// Reset restarts the controller's bootloader.
func (s *Sender) Reset(ctx context.Context) error {
	return s.Send(ctx, CommandReset, "")
}

// Poke keeps the controller's watchdog from resetting it.
func (s *Sender) Poke(ctx context.Context) error {
	return s.Send(ctx, CommandPoke, "")
}

// Close releases the socket. The sender is not connected afterwards.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
