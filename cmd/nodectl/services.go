package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/pflag"

	"github.com/kylerisse/nodectl/pkg/check"
	"github.com/kylerisse/nodectl/pkg/check/builtin"
	"github.com/kylerisse/nodectl/pkg/heartbeat"
)

func init() {
	register(command{
		name:    "services",
		args:    "",
		summary: "List daemon heartbeats and the versions they announced.",
		setup: func(*pflag.FlagSet) runner {
			return runServices
		},
	})
	register(command{
		name:    "doctor",
		args:    "",
		summary: "Run the configured health checks once and report.",
		setup:   setupDoctor,
	})
}

func runServices(ctx context.Context, e *env, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument %q", args[0])
	}
	rep, err := heartbeat.Services(ctx, e.store)
	if err != nil {
		return err
	}
	st := newStyles(e.out)

	scripts := grid{headers: []string{"ROLE", "HOST", "STATE", "EXPIRES IN"}}
	for _, s := range rep.Scripts {
		state := st.ok
		if s.Value != heartbeat.Alive {
			state = st.bad
		}
		expires := "-"
		if s.TTL > 0 {
			expires = s.TTL.Round(time.Second).String()
		}
		scripts.add(cellOf(s.Role, st.cell), cellOf(s.Host, st.cell), cellOf(s.Value, state), cellOf(expires, st.cell))
	}
	fmt.Fprintln(e.out, "Heartbeats")
	fmt.Fprintln(e.out, scripts.render(st))

	versions := grid{headers: []string{"PACKAGE", "ROLE", "VERSION", "STARTED"}}
	for _, v := range rep.Versions {
		started := "-"
		if !v.Timestamp.IsZero() {
			started = v.Timestamp.UTC().Format(time.RFC3339)
		}
		versions.add(cellOf(v.Package, st.cell), cellOf(v.Role, st.cell), cellOf(orDash(v.Version), st.cell), cellOf(started, st.muted))
	}
	fmt.Fprintln(e.out, "\nVersions")
	fmt.Fprintln(e.out, versions.render(st))
	return nil
}

func setupDoctor(fs *pflag.FlagSet) runner {
	var timeout time.Duration
	fs.DurationVar(&timeout, "timeout", 10*time.Second, "limit for each check")
	return func(ctx context.Context, e *env, args []string) error {
		if len(args) > 0 {
			return fmt.Errorf("unexpected argument %q", args[0])
		}
		checks, err := builtin.Build(e.store, e.cfg.Checks)
		if err != nil {
			return err
		}
		return runDoctor(ctx, e, checks, timeout)
	}
}

var errChecksFailed = errors.New("one or more checks failed")

func runDoctor(ctx context.Context, e *env, checks []check.Instance, timeout time.Duration) error {
	st := newStyles(e.out)
	g := grid{headers: []string{"CHECK", "TYPE", "RESULT", "METRICS", "ERROR"}}
	failed := 0
	for _, inst := range checks {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		res := inst.Check.Run(cctx)
		cancel()

		result := cellOf("ok", st.ok)
		if !res.Success {
			result = cellOf("FAIL", st.bad)
			failed++
		}
		errText := "-"
		if res.Err != nil {
			errText = res.Err.Error()
		}
		g.add(
			cellOf(inst.Name, st.cell),
			cellOf(inst.Check.Type(), st.muted),
			result,
			cellOf(formatMetrics(res.Metrics), st.cell),
			cellOf(errText, st.muted),
		)
	}
	fmt.Fprintln(e.out, g.render(st))
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errChecksFailed, failed, len(checks))
	}
	return nil
}

func formatMetrics(m map[string]*int64) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		if m[k] == nil {
			out += k + "=?"
			continue
		}
		out += fmt.Sprintf("%s=%d", k, *m[k])
	}
	return out
}
