// Package debuglog receives free-text debug datagrams from node controllers
// and writes them to the log, and optionally to one file per node address.
package debuglog

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultPort is the UDP port controllers send debug text to.
const DefaultPort = 8890

// Receiver logs debug datagrams.
type Receiver struct {
	logger *logrus.Logger
	dir    string

	mu    sync.Mutex
	files map[string]*os.File
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithDir also appends each line to <dir>/<ip>.log.
func WithDir(dir string) Option {
	return func(r *Receiver) { r.dir = dir }
}

// NewReceiver creates a Receiver.
func NewReceiver(logger *logrus.Logger, opts ...Option) *Receiver {
	r := &Receiver{logger: logger, files: make(map[string]*os.File)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListenAndServe binds addr and serves until ctx is done.
func (r *Receiver) ListenAndServe(ctx context.Context, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("debuglog: listen %s: %w", addr, err)
	}
	r.logger.Infof("Receiving debug logs on %s", conn.LocalAddr())
	return r.Serve(ctx, conn)
}

// Serve reads datagrams from conn until ctx is done. It closes conn and
// every per-node file on return.
func (r *Receiver) Serve(ctx context.Context, conn net.PacketConn) error {
	done := make(chan struct{})
	defer close(done)
	defer r.Close()
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("debuglog: read: %w", err)
		}
		ip, port := "", 0
		if ua, ok := addr.(*net.UDPAddr); ok {
			ip, port = ua.IP.String(), ua.Port
		}
		if err := r.Handle(ip, port, buf[:n]); err != nil {
			r.logger.Errorf("Debug log from %s: %v", ip, err)
		}
	}
}

// Handle logs one datagram from ip:port.
func (r *Receiver) Handle(ip string, port int, buf []byte) error {
	line := strings.TrimRight(string(buf), "\r\n\x00")
	r.logger.WithFields(logrus.Fields{
		"node_ip": ip,
		"port":    port,
	}).Info(line)

	if r.dir == "" {
		return nil
	}
	f, err := r.file(ip)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, line)
	return err
}

func (r *Receiver) file(ip string) (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[ip]; ok {
		return f, nil
	}
	name := ip
	if name == "" || strings.ContainsAny(name, `/\`) {
		name = "unknown"
	}
	f, err := os.OpenFile(filepath.Join(r.dir, name+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("debuglog: %w", err)
	}
	r.files[ip] = f
	return f, nil
}

// Close closes every per-node file.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for ip, f := range r.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.files, ip)
	}
	return first
}
