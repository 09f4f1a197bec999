package debuglog

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestHandle_LogsLine(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := NewReceiver(logger)

	if err := r.Handle("10.1.1.23", 4000, []byte("snap relay closed\r\n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := hook.LastEntry()
	if e == nil {
		t.Fatal("expected a log entry")
	}
	if e.Message != "snap relay closed" {
		t.Errorf("unexpected message %q", e.Message)
	}
	if e.Level != logrus.InfoLevel {
		t.Errorf("expected info level, got %v", e.Level)
	}
	if e.Data["node_ip"] != "10.1.1.23" || e.Data["port"] != 4000 {
		t.Errorf("unexpected fields %v", e.Data)
	}
}

func TestHandle_WritesPerNodeFile(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	r := NewReceiver(logger, WithDir(dir))

	for _, line := range []string{"first", "second"} {
		if err := r.Handle("10.1.1.23", 4000, []byte(line)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "10.1.1.23.log"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "first\nsecond\n" {
		t.Errorf("unexpected file contents %q", data)
	}
}

func TestServe_UDP(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := NewReceiver(logger)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Serve(ctx, pc) }()

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("hello from node")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if e := hook.LastEntry(); e != nil && e.Message == "hello from node" {
			if e.Data["node_ip"] != "127.0.0.1" {
				t.Errorf("unexpected node_ip %v", e.Data["node_ip"])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("datagram never logged")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}
