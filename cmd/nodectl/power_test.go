package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/verify"
)

func TestPowerFlags_Rails(t *testing.T) {
	tests := []struct {
		name  string
		flags powerFlags
		want  []node.Rail
	}{
		{"none", powerFlags{}, nil},
		{"fem and pam", powerFlags{fem: true, pam: true}, []node.Rail{node.RailFEM, node.RailPAM}},
		{"single snap", powerFlags{snap: [4]bool{false, false, true, false}}, []node.Rail{node.RailSnap2}},
		{"snaps", powerFlags{snaps: true}, node.SnapRails},
		{"allhw", powerFlags{allHW: true}, node.Rails},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.flags.rails()
			if joinRails(got) != joinRails(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPower_SetsTriggers(t *testing.T) {
	e, out, s, fc := newTestEnv(t)
	putStatus(t, s, 3, fc.Now(), nil)

	if err := runCmd(t, e, "power", "-0", "on", "3,4"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h, err := s.HGetAll(context.Background(), node.CommandKey(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h["power_snap_0_cmd"] != "on" || h["power_snap_0_ctrl_trig"] != "True" {
		t.Errorf("snap_0 not requested: %v", h)
	}
	if h["power_snap_relay_ctrl_trig"] != "True" {
		t.Errorf("expected the relay to be inferred: %v", h)
	}
	// Node 4 never reported.
	h, err = s.HGetAll(context.Background(), node.CommandKey(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h) != 0 {
		t.Errorf("expected no command for missing node 4, got %v", h)
	}

	got := out.String()
	for _, want := range []string{"Requested nodes missing: 4", "Requested snap_relay,snap_0 on on nodes 3"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPower_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no value", []string{"-f"}, "on or off is required"},
		{"bad value", []string{"-f", "up", "3"}, "must be on or off"},
		{"no rails", []string{"on", "3"}, "no rails selected"},
		{"bad nodes", []string{"-f", "on", "x"}, ""},
		{"nobody present", []string{"-f", "on", "9"}, "none of the requested nodes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, s, fc := newTestEnv(t)
			putStatus(t, s, 3, fc.Now(), nil)
			err := runCmd(t, e, "power", tt.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestPower_VerifyConverges(t *testing.T) {
	e, out, s, fc := newTestEnv(t)
	putStatus(t, s, 3, fc.Now(), map[node.Rail]bool{node.RailFEM: false})

	fc.OnSleep(func(at time.Time) {
		if fc.Sleeps() == 2 {
			putStatus(t, s, 3, at, map[node.Rail]bool{node.RailFEM: true})
		}
	})

	if err := runCmd(t, e, "power", "-f", "--verify", "--timeout", "10s", "on", "3"); err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), string(verify.ClassCorrect)) {
		t.Errorf("expected a correct result:\n%s", out.String())
	}
}

func TestPower_VerifyWrong(t *testing.T) {
	e, out, s, fc := newTestEnv(t)
	putStatus(t, s, 3, fc.Now(), map[node.Rail]bool{node.RailFEM: false})

	err := runCmd(t, e, "power", "-f", "--verify", "--timeout", "3s", "on", "3")
	if err == nil || !strings.Contains(err.Error(), "1 of 1 nodes in the wrong state") {
		t.Fatalf("expected wrong-state error, got %v\n%s", err, out.String())
	}

	// A generous threshold tolerates the failure.
	e, _, s, fc = newTestEnv(t)
	putStatus(t, s, 3, fc.Now(), map[node.Rail]bool{node.RailFEM: false})
	if err := runCmd(t, e, "power", "-f", "--verify", "--timeout", "3s", "--error-threshold", "1", "on", "3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResetAndInit(t *testing.T) {
	e, out, s, fc := newTestEnv(t)
	putStatus(t, s, 2, fc.Now(), nil)
	ctx := context.Background()

	if err := runCmd(t, e, "reset", "2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h, err := s.HGetAll(ctx, node.CommandKey(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !node.CommandFromHash(h).Reset {
		t.Errorf("expected a reset trigger, got %v", h)
	}
	if !strings.Contains(out.String(), "Requested reset on nodes 2") {
		t.Errorf("unexpected output:\n%s", out.String())
	}

	if err := runCmd(t, e, "init", "2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	iss, err := e.cfg.Issuer(s, e.logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pending, err := iss.Pending(ctx, []node.ID{2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending commands after init, got %v", pending)
	}

	if err := runCmd(t, e, "reset"); err == nil {
		t.Error("expected error without a node list")
	}
}

func TestNodeArg(t *testing.T) {
	ids, err := nodeArg(nil, "all")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != node.MaxNodes {
		t.Errorf("expected every node, got %d", len(ids))
	}
	if _, err := nodeArg([]string{"1", "2"}, ""); err == nil {
		t.Error("expected error for an extra argument")
	}
	if _, err := nodeArg(nil, ""); err == nil {
		t.Error("expected error without a default")
	}
}
