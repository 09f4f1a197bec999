package main

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/kylerisse/nodectl/pkg/node"
	"github.com/kylerisse/nodectl/pkg/verify"
)

func init() {
	register(command{
		name:    "status",
		args:    "[nodes]",
		summary: "Show reported power, sensors and age. Old reports are flagged stale.",
		setup:   setupStatus,
	})
	register(command{
		name:    "commands",
		args:    "[nodes]",
		summary: "Show pending command triggers and the last dispatch of each rail.",
		setup: func(*pflag.FlagSet) runner {
			return runCommands
		},
	})
}

// formatAge renders a status age; a status without a timestamp was never
// stamped.
func formatAge(d time.Duration) string {
	if d == time.Duration(math.MaxInt64) {
		return "never"
	}
	return d.Round(100 * time.Millisecond).String()
}

func setupStatus(fs *pflag.FlagSet) runner {
	var stale time.Duration
	fs.DurationVar(&stale, "stale", 0, "age past which a report is stale (default verify.stale_after)")
	return func(ctx context.Context, e *env, args []string) error {
		if stale <= 0 {
			stale = e.cfg.Verify.StaleAfter.D()
		}
		return runStatus(ctx, e, args, stale)
	}
}

func runStatus(ctx context.Context, e *env, args []string, staleAfter time.Duration) error {
	ids, err := nodeArg(args, "all")
	if err != nil {
		return err
	}
	checker := verify.NewChecker(e.store, verify.WithClock(e.clock), verify.WithStaleAfter(staleAfter))
	statuses, err := checker.Statuses(ctx, ids)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(e.out, "None of the requested nodes are present.")
		return nil
	}

	var present, missing []node.ID
	for _, id := range ids {
		if _, ok := statuses[id]; ok {
			present = append(present, id)
		} else {
			missing = append(missing, id)
		}
	}
	fmt.Fprintf(e.out, "Requested nodes present: %s\n", joinIDs(present))
	if len(missing) > 0 && len(missing) < len(ids) {
		fmt.Fprintf(e.out, "Requested nodes missing: %s\n", joinIDs(missing))
	}

	st := newStyles(e.out)
	now := e.clock.Now()

	power := grid{headers: []string{"NODE", "IP", "AGE"}}
	for _, r := range node.Rails {
		power.headers = append(power.headers, string(r))
	}
	for _, id := range present {
		s := statuses[id]
		ageStyle := st.cell
		if s.Stale(now, staleAfter) {
			ageStyle = st.warn
		}
		cells := []styledCell{
			cellOf(id.String(), st.cell),
			cellOf(s.IP, st.cell),
			cellOf(formatAge(s.Age(now)), ageStyle),
		}
		for _, r := range node.Rails {
			on, ok := s.Power[r]
			switch {
			case !ok:
				cells = append(cells, cellOf("?", st.muted))
			case on:
				cells = append(cells, cellOf("On", st.ok))
			default:
				cells = append(cells, cellOf("Off", st.muted))
			}
		}
		power.add(cells...)
	}
	fmt.Fprintln(e.out, "\nNode power states")
	fmt.Fprintln(e.out, power.render(st))

	sensors := grid{headers: []string{"NODE", "TEMP TOP", "TEMP MID", "TEMP BOT", "TEMP HUMID", "HUMID", "UPTIME"}}
	for _, id := range present {
		s := statuses[id]
		sensors.add(
			cellOf(id.String(), st.cell),
			reading(s.Sensors.TempTop, st),
			reading(s.Sensors.TempMid, st),
			reading(s.Sensors.TempBot, st),
			reading(s.Sensors.TempHumid, st),
			reading(s.Sensors.Humid, st),
			cellOf((time.Duration(s.UptimeMS) * time.Millisecond).String(), st.cell),
		)
	}
	fmt.Fprintln(e.out, "\nNode values")
	fmt.Fprintln(e.out, sensors.render(st))

	for _, id := range present {
		if statuses[id].Stale(now, staleAfter) {
			fmt.Fprintf(e.out, "Warning: node %d data is older than %v\n", id, staleAfter)
		}
	}
	return nil
}

func reading(v *float64, st styles) styledCell {
	if v == nil {
		return cellOf(node.Unavailable, st.muted)
	}
	return cellOf(strconv.FormatFloat(*v, 'f', 2, 64), st.cell)
}

func runCommands(ctx context.Context, e *env, args []string) error {
	ids, err := nodeArg(args, "all")
	if err != nil {
		return err
	}
	iss, err := e.cfg.Issuer(e.store, e.logger)
	if err != nil {
		return err
	}
	present, _, err := iss.Exists(ctx, ids)
	if err != nil {
		return err
	}
	if len(present) == 0 {
		fmt.Fprintln(e.out, "None of the requested nodes are present.")
		return nil
	}
	cmds, err := iss.Commands(ctx, present)
	if err != nil {
		return err
	}

	st := newStyles(e.out)
	now := e.clock.Now()
	g := grid{headers: []string{"NODE", "COMMAND", "PENDING", "REQUESTED", "LAST SENT", "OUTCOME", "AGO"}}
	for _, id := range present {
		c := cmds[id]
		for _, r := range node.Rails {
			rc := c.Rails[r]
			g.add(commandRow(id, string(r), rc.Trigger, rc.Value, rc.Last, now, st)...)
		}
		g.add(commandRow(id, node.FieldReset, c.Reset, "", c.ResetLast, now, st)...)
	}
	fmt.Fprintln(e.out, g.render(st))
	return nil
}

func commandRow(id node.ID, name string, trigger bool, value string, last *node.Audit, now time.Time, st styles) []styledCell {
	pending := cellOf("no", st.muted)
	if trigger {
		pending = cellOf("yes", st.warn)
	}
	row := []styledCell{cellOf(id.String(), st.cell), cellOf(name, st.cell), pending, cellOf(orDash(value), st.cell)}
	if last == nil {
		return append(row, cellOf("-", st.muted), cellOf("-", st.muted), cellOf("-", st.muted))
	}
	outcome := st.ok
	if last.Outcome == node.OutcomeFailed {
		outcome = st.bad
	}
	return append(row,
		cellOf(orDash(last.Value), st.cell),
		cellOf(orDash(last.Outcome), outcome),
		cellOf(now.Sub(last.Time).Round(time.Second).String(), st.cell),
	)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
