package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/kylerisse/nodectl/pkg/issue"
	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/verify"
)

func init() {
	register(command{
		name:    "power",
		args:    "on|off [nodes]",
		summary: "Request rails on or off. Nodes is a list such as 3, 1,4,7, 0-5 or all (the default).",
		setup:   setupPower,
	})
	register(command{
		name:    "reset",
		args:    "<nodes>",
		summary: "Request a controller reset.",
		setup: func(*pflag.FlagSet) runner {
			return func(ctx context.Context, e *env, args []string) error {
				ids, err := nodeArg(args, "")
				if err != nil {
					return err
				}
				iss, err := e.cfg.Issuer(e.store, e.logger)
				if err != nil {
					return err
				}
				present, err := presentNodes(ctx, e, iss, ids)
				if err != nil {
					return err
				}
				if err := iss.Reset(ctx, present); err != nil {
					return err
				}
				fmt.Fprintf(e.out, "Requested reset on nodes %s\n", joinIDs(present))
				return nil
			}
		},
	})
	register(command{
		name:    "init",
		args:    "<nodes>",
		summary: "Clear every pending command trigger.",
		setup: func(*pflag.FlagSet) runner {
			return func(ctx context.Context, e *env, args []string) error {
				ids, err := nodeArg(args, "")
				if err != nil {
					return err
				}
				iss, err := e.cfg.Issuer(e.store, e.logger)
				if err != nil {
					return err
				}
				if err := iss.Init(ctx, ids); err != nil {
					return err
				}
				fmt.Fprintf(e.out, "Cleared triggers on nodes %s\n", joinIDs(ids))
				return nil
			}
		},
	})
}

type powerFlags struct {
	snapRelay bool
	snaps     bool
	snap      [4]bool
	fem       bool
	pam       bool
	allHW     bool

	verify         bool
	timeout        time.Duration
	errorThreshold float64
	thresholdSet   bool
}

func (f powerFlags) rails() []node.Rail {
	var out []node.Rail
	if f.snapRelay || f.allHW {
		out = append(out, node.RailSnapRelay)
	}
	for i, r := range node.SnapRails {
		if f.snaps || f.allHW || f.snap[i] {
			out = append(out, r)
		}
	}
	if f.fem || f.allHW {
		out = append(out, node.RailFEM)
	}
	if f.pam || f.allHW {
		out = append(out, node.RailPAM)
	}
	return out
}

func setupPower(fs *pflag.FlagSet) runner {
	var f powerFlags
	fs.BoolVarP(&f.snapRelay, "snap-relay", "r", false, "the SNAP relay (implied when turning any SNAP on or all SNAPs off)")
	fs.BoolVarP(&f.snaps, "snaps", "s", false, "all four SNAPs, same as -0 -1 -2 -3")
	for i := range f.snap {
		fs.BoolVarP(&f.snap[i], fmt.Sprintf("snap%d", i), fmt.Sprint(i), false, fmt.Sprintf("SNAP %d", i))
	}
	fs.BoolVarP(&f.fem, "fem", "f", false, "the FEM")
	fs.BoolVarP(&f.pam, "pam", "p", false, "the PAM")
	fs.BoolVar(&f.allHW, "allhw", false, "the relay, every SNAP, the FEM and the PAM")
	fs.BoolVar(&f.verify, "verify", false, "wait for the nodes to report the requested state")
	fs.DurationVar(&f.timeout, "timeout", 0, "how long --verify waits (default verify.timeout)")
	fs.Float64Var(&f.errorThreshold, "error-threshold", 0, "fraction of wrong nodes tolerated by --verify (default verify.error_threshold)")

	return func(ctx context.Context, e *env, args []string) error {
		f.thresholdSet = fs.Changed("error-threshold")
		return runPower(ctx, e, f, args)
	}
}

func runPower(ctx context.Context, e *env, f powerFlags, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("on or off is required")
	}
	value, ok := node.NormalizeValue(args[0])
	if !ok {
		return fmt.Errorf("%q must be on or off", args[0])
	}
	ids, err := nodeArg(args[1:], "all")
	if err != nil {
		return err
	}
	rails := f.rails()
	if len(rails) == 0 {
		return fmt.Errorf("no rails selected; use -r, -s, -0..-3, -f, -p or --allhw")
	}

	iss, err := e.cfg.Issuer(e.store, e.logger)
	if err != nil {
		return err
	}
	present, err := presentNodes(ctx, e, iss, ids)
	if err != nil {
		return err
	}
	applied, err := iss.Power(ctx, issue.Request{IDs: present, Rails: rails, Value: value})
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Requested %s %s on nodes %s\n", joinRails(applied), value, joinIDs(present))

	if !f.verify {
		return nil
	}
	timeout := f.timeout
	if timeout <= 0 {
		timeout = e.cfg.Verify.Timeout.D()
	}
	threshold := e.cfg.Verify.ErrorThreshold
	if f.thresholdSet {
		threshold = f.errorThreshold
	}

	checker := verify.NewChecker(e.store,
		verify.WithClock(e.clock),
		verify.WithStaleAfter(e.cfg.Verify.StaleAfter.D()),
		verify.WithPoll(e.cfg.Verify.Poll.D()),
	)
	fmt.Fprintf(e.out, "Waiting up to %v for nodes to agree...\n", timeout)
	rep, err := checker.Wait(ctx, verify.Expect(present, applied, value == node.On), timeout)
	if err != nil {
		return err
	}
	printReport(e.out, rep)
	if frac := rep.WrongFraction(); frac > threshold {
		return fmt.Errorf("%d of %d nodes in the wrong state (%.0f%% > %.0f%%)",
			len(rep.IDs(verify.ClassWrong)), len(rep.Results), 100*frac, 100*threshold)
	}
	return nil
}

// nodeArg parses the node list argument, falling back to def when absent.
func nodeArg(args []string, def string) ([]node.ID, error) {
	list := def
	if len(args) > 0 {
		list = args[0]
	}
	if len(args) > 1 {
		return nil, fmt.Errorf("unexpected argument %q", args[1])
	}
	if list == "" {
		return nil, fmt.Errorf("a node list is required")
	}
	return issue.ParseIDs(list)
}

// presentNodes drops ids without a status and says which were dropped.
func presentNodes(ctx context.Context, e *env, iss *issue.Issuer, ids []node.ID) ([]node.ID, error) {
	present, missing, err := iss.Exists(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 && len(missing) < len(ids) {
		fmt.Fprintf(e.out, "Requested nodes missing: %s\n", joinIDs(missing))
	}
	if len(present) == 0 {
		return nil, fmt.Errorf("none of the requested nodes are present")
	}
	return present, nil
}

func printReport(out io.Writer, rep verify.Report) {
	st := newStyles(out)
	g := grid{headers: []string{"NODE", "RESULT", "AGE", "WRONG RAILS"}}
	for _, res := range rep.Results {
		style := st.ok
		switch res.Class {
		case verify.ClassWrong:
			style = st.bad
		case verify.ClassStale:
			style = st.warn
		}
		age := "-"
		if res.Age > 0 {
			age = formatAge(res.Age)
		}
		g.add(
			cellOf(res.ID.String(), st.cell),
			cellOf(string(res.Class), style),
			cellOf(age, st.cell),
			cellOf(joinRails(res.Wrong), style),
		)
	}
	fmt.Fprintln(out, g.render(st))
	fmt.Fprintln(out, rep.String())
}

func joinIDs(ids []node.ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

func joinRails(rails []node.Rail) string {
	parts := make([]string, len(rails))
	for i, r := range rails {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}
