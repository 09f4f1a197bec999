package issue

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/store"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRails_Policy(t *testing.T) {
	r := node.Rails
	relay, s0, s1, s2, s3, fem := r[0], r[1], r[2], r[3], r[4], r[5]

	tests := []struct {
		name   string
		policy Policy
		rails  []node.Rail
		value  string
		want   []node.Rail
	}{
		{"infer snap on adds relay first", PolicyInfer, []node.Rail{s2}, "on", []node.Rail{relay, s2}},
		{"infer partial snap off leaves relay", PolicyInfer, []node.Rail{s0, s1}, "off", []node.Rail{s0, s1}},
		{"infer all snaps off adds relay", PolicyInfer, []node.Rail{s3, s2, s1, s0}, "off", []node.Rail{relay, s0, s1, s2, s3}},
		{"infer no snaps untouched", PolicyInfer, []node.Rail{fem}, "on", []node.Rail{fem}},
		{"explicit snap on alone", PolicyExplicit, []node.Rail{s0}, "on", []node.Rail{s0}},
		{"explicit all off alone", PolicyExplicit, []node.Rail{s0, s1, s2, s3}, "off", []node.Rail{s0, s1, s2, s3}},
		{"duplicates collapse", PolicyInfer, []node.Rail{fem, fem, relay}, "on", []node.Rail{relay, fem}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := New(store.NewMemory(nil), WithPolicy(tt.policy), WithLogger(testLogger()))
			got := is.Rails(tt.rails, tt.value)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPower_WritesCommandsAndTriggers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(nil)
	is := New(s, WithLogger(testLogger()))

	rails, err := is.Power(ctx, Request{IDs: []node.ID{2, 5}, Rails: []node.Rail{node.RailSnap1}, Value: "ON"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rails) != 2 {
		t.Errorf("expected relay and snap_1, got %v", rails)
	}

	for _, id := range []node.ID{2, 5} {
		h, err := s.HGetAll(ctx, node.CommandKey(id))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := map[string]string{
			"power_snap_relay_cmd":       "on",
			"power_snap_relay_ctrl_trig": "True",
			"power_snap_1_cmd":           "on",
			"power_snap_1_ctrl_trig":     "True",
		}
		if !reflect.DeepEqual(h, want) {
			t.Errorf("node %d: got %v, want %v", id, h, want)
		}
	}
}

func TestPower_Validation(t *testing.T) {
	is := New(store.NewMemory(nil), WithLogger(testLogger()))
	ctx := context.Background()

	_, err := is.Power(ctx, Request{IDs: []node.ID{30}, Rails: []node.Rail{node.RailFEM}, Value: "on"})
	if !errors.Is(err, ErrInvalidNode) {
		t.Errorf("expected ErrInvalidNode, got %v", err)
	}
	_, err = is.Power(ctx, Request{IDs: []node.ID{-1}, Rails: []node.Rail{node.RailFEM}, Value: "on"})
	if !errors.Is(err, ErrInvalidNode) {
		t.Errorf("expected ErrInvalidNode for negative id, got %v", err)
	}
	_, err = is.Power(ctx, Request{IDs: []node.ID{1}, Rails: []node.Rail{node.RailFEM}, Value: "maybe"})
	if !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
	if _, err = is.Power(ctx, Request{IDs: []node.ID{1}, Value: "on"}); err == nil {
		t.Error("expected error for empty rails")
	}
}

func TestResetInitPending(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(nil)
	is := New(s, WithLogger(testLogger()))

	if _, err := is.Power(ctx, Request{IDs: []node.ID{4}, Rails: []node.Rail{node.RailPAM}, Value: "off"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := is.Reset(ctx, []node.ID{4}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pending, err := is.Pending(ctx, []node.ID{3, 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"pam", "reset"}; !reflect.DeepEqual(pending[4], want) {
		t.Errorf("expected %v pending, got %v", want, pending[4])
	}
	if _, ok := pending[3]; ok {
		t.Error("node without commands should not be pending")
	}

	if err := is.Init(ctx, []node.ID{4}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pending, err = is.Pending(ctx, []node.ID{4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected nothing pending after init, got %v", pending)
	}
	v, _, _ := s.HGet(ctx, node.CommandKey(4), "power_pam_cmd")
	if v != "off" {
		t.Errorf("init must keep command values, got %q", v)
	}
}

func TestLastCommands(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(nil)
	at := time.Unix(1700000000, 0)
	if err := s.HSet(ctx, node.CommandKey(6), map[string]string{
		"power_fem_last": node.Audit{Value: "on", Time: at, Outcome: node.OutcomeSent}.String(),
		"reset_last":     node.Audit{Time: at, Outcome: node.OutcomeFailed}.String(),
		"power_pam_last": "garbage",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	is := New(s, WithLogger(testLogger()))
	last, err := is.LastCommands(ctx, []node.ID{6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := last[6]
	if len(got) != 2 {
		t.Fatalf("expected 2 audits, got %v", got)
	}
	if got["fem"].Value != "on" || !got["fem"].Time.Equal(at) {
		t.Errorf("unexpected fem audit %+v", got["fem"])
	}
	if got["reset"].Outcome != node.OutcomeFailed {
		t.Errorf("unexpected reset audit %+v", got["reset"])
	}
}

func TestRegisterExistsUnregister(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(nil)
	is := New(s, WithLogger(testLogger()))

	if err := is.Register(ctx, 8, "10.1.1.28"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := is.Register(ctx, 9, "not-an-ip"); err == nil {
		t.Error("expected error for invalid ip")
	}

	present, missing, err := is.Exists(ctx, []node.ID{8, 9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(present, []node.ID{8}) || !reflect.DeepEqual(missing, []node.ID{9}) {
		t.Errorf("present %v missing %v", present, missing)
	}

	if err := is.Unregister(ctx, 8); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	present, _, err = is.Exists(ctx, []node.ID{8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(present) != 0 {
		t.Errorf("expected node 8 gone, got %v", present)
	}
}

func TestParseIDs(t *testing.T) {
	tests := []struct {
		in      string
		want    []node.ID
		wantErr bool
	}{
		{"3", []node.ID{3}, false},
		{"1, 4,7", []node.ID{1, 4, 7}, false},
		{"5-7,2", []node.ID{2, 5, 6, 7}, false},
		{"3,3", []node.ID{3}, false},
		{"7-5", nil, true},
		{"30", nil, true},
		{"x", nil, true},
		{"", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseIDs(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseIDs(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseIDs(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	all, err := ParseIDs("ALL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != node.MaxNodes || all[0] != 0 || all[node.MaxNodes-1] != node.MaxNodes-1 {
		t.Errorf("unexpected all: %v", all)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("explicit"); err != nil || p != PolicyExplicit {
		t.Errorf("ParsePolicy(explicit) = %v, %v", p, err)
	}
	if p, err := ParsePolicy(""); err != nil || p != PolicyInfer {
		t.Errorf("ParsePolicy(\"\") = %v, %v", p, err)
	}
	if _, err := ParsePolicy("guess"); err == nil {
		t.Error("expected error")
	}
}
