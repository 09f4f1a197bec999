package beacon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/kylerisse/nodectl/pkg/clock"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultPort is the UDP port node controllers send beacons to.
const DefaultPort = 8889

// maxDatagram bounds a single read; beacons are far smaller.
const maxDatagram = 1024

// Receiver writes decoded beacons into the shared store.
type Receiver struct {
	store     store.Store
	logger    *logrus.Logger
	clock     clock.Clock
	statusTTL time.Duration
	dropLog   *rate.Limiter

	received   atomic.Uint64
	dropped    atomic.Uint64
	suppressed atomic.Uint64
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithClock sets the clock used to stamp statuses.
func WithClock(c clock.Clock) ReceiverOption {
	return func(r *Receiver) { r.clock = c }
}

// WithStatusTTL expires each status hash d after its last beacon, so nodes
// that go silent eventually leave the registry. Zero keeps statuses forever.
func WithStatusTTL(d time.Duration) ReceiverOption {
	return func(r *Receiver) { r.statusTTL = d }
}

// WithDropLogLimit sets how often malformed packets are logged.
func WithDropLogLimit(l *rate.Limiter) ReceiverOption {
	return func(r *Receiver) { r.dropLog = l }
}

// NewReceiver creates a Receiver writing to s.
func NewReceiver(s store.Store, logger *logrus.Logger, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		store:   s,
		logger:  logger,
		clock:   clock.Real(),
		dropLog: rate.NewLimiter(rate.Every(10*time.Second), 5),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListenAndServe binds addr (e.g. ":8889") and serves until ctx is done.
func (r *Receiver) ListenAndServe(ctx context.Context, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("beacon: listen %s: %w", addr, err)
	}
	r.logger.Infof("Receiving beacons on %s", conn.LocalAddr())
	return r.Serve(ctx, conn)
}

// Serve reads beacons from conn until ctx is done or the store fails.
// Malformed packets are dropped. Serve closes conn on return.
func (r *Receiver) Serve(ctx context.Context, conn net.PacketConn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("beacon: read: %w", err)
		}
		if err := r.Handle(ctx, buf[:n], hostOf(addr)); err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				return err
			}
			if !errors.Is(err, ErrShortPacket) {
				r.logger.Warnf("Beacon from %s not stored: %v", hostOf(addr), err)
			}
		}
	}
}

// Handle decodes one datagram from ip and writes it to the node's status
// hash. A decode failure drops the packet and is returned without touching
// the store.
func (r *Receiver) Handle(ctx context.Context, buf []byte, ip string) error {
	r.received.Add(1)

	s, err := Decode(buf, ip)
	if err != nil {
		r.dropped.Add(1)
		if r.dropLog.Allow() {
			r.logger.Warnf("Dropping beacon from %s (%v), %d earlier drops not logged", ip, err, r.suppressed.Swap(0))
		} else {
			r.suppressed.Add(1)
		}
		return err
	}
	s.Timestamp = r.clock.Now()

	key := node.StatusKey(s.ID)
	if err := r.store.HSet(ctx, key, s.Hash()); err != nil {
		return err
	}
	if r.statusTTL > 0 {
		if err := r.store.Expire(ctx, key, r.statusTTL); err != nil {
			return err
		}
	}
	r.logger.Debugf("Beacon from node %d at %s, uptime %dms", s.ID, ip, s.UptimeMS)
	return nil
}

// Stats returns the number of datagrams received and dropped.
func (r *Receiver) Stats() (received, dropped uint64) {
	return r.received.Load(), r.dropped.Load()
}

func hostOf(addr net.Addr) string {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
