package history

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kylerisse/nodectl/pkg/node"
)

// Line colours, cycled per data source.
var colors = []string{"D62728", "FF7F0E", "1F77B4", "2CA02C", "9467BD"}

// span is one graph time range.
type span struct {
	length string
	cf     string
	every  time.Duration
}

var spans = []span{
	{"1h", "MAX", time.Minute},
	{"1d", "AVERAGE", 10 * time.Minute},
	{"1w", "AVERAGE", 30 * time.Minute},
	{"31d", "AVERAGE", time.Hour},
	{"1y", "AVERAGE", 6 * time.Hour},
}

func expandSpan(s string) string {
	switch s {
	case "1h":
		return "one hour"
	case "1d":
		return "one day"
	case "1w":
		return "one week"
	case "31d":
		return "one month"
	case "1y":
		return "one year"
	}
	return s
}

// graph is one PNG drawn from a node database.
type graph struct {
	id        node.ID
	rrdPath   string
	filePath  string
	span      span
	sources   []Source
	title     string
	unit      string
	lastDrawn time.Time
}

// newGraphs returns the temperature graphs and the humidity graphs of a
// node, one per span.
func newGraphs(id node.ID, dir, rrdPath string) []*graph {
	var temps, humid []Source
	for _, src := range Sources {
		switch src.Unit {
		case "C":
			temps = append(temps, src)
		case "%":
			humid = append(humid, src)
		}
	}
	var out []*graph
	for _, sp := range spans {
		for _, g := range []struct {
			name, what, unit string
			sources          []Source
		}{
			{"temperature", "temperatures", "C", temps},
			{"humidity", "humidity", "%", humid},
		} {
			out = append(out, &graph{
				id:       id,
				rrdPath:  rrdPath,
				filePath: filepath.Join(dir, fmt.Sprintf("node%d_%s_%s.png", id, g.name, sp.length)),
				span:     sp,
				sources:  g.sources,
				title:    fmt.Sprintf("node %d %s over the last %s", id, g.what, expandSpan(sp.length)),
				unit:     g.unit,
			})
		}
	}
	return out
}

func (g *graph) due(now time.Time) bool {
	return g.lastDrawn.IsZero() || now.Sub(g.lastDrawn) >= g.span.every
}

// rrdEscape escapes colons and backslashes, which rrdtool treats as
// separators in graph text.
func rrdEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `:`, `\:`)
}

func (g *graph) args() []string {
	args := []string{
		"graph", g.filePath,
		"--title", g.title,
		"--vertical-label", g.unit,
		"--start", "now-" + g.span.length,
		"--end", "now",
		"--width", "800",
		"--height", "200",
	}
	for i, src := range g.sources {
		args = append(args,
			fmt.Sprintf("DEF:%s=%s:%s:%s", src.DS, rrdEscape(g.rrdPath), src.DS, g.span.cf),
			fmt.Sprintf("LINE2:%s#%s:%s", src.DS, colors[i%len(colors)], rrdEscape(src.Label)),
			fmt.Sprintf("GPRINT:%s:LAST:last\\: %%.2lf %s", src.DS, rrdEscape(g.unit)),
		)
	}
	return append(args, "COMMENT:\\n", fmt.Sprintf("COMMENT:%s over last %s", g.span.cf, g.span.length))
}

func (g *graph) draw(ctx context.Context, run runFunc) error {
	if out, err := run(ctx, "rrdtool", g.args()...); err != nil {
		return fmt.Errorf("rrdtool graph %s: %w: %s", g.filePath, err, strings.TrimSpace(string(out)))
	}
	return nil
}
