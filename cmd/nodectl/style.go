package main

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// styles colours table cells. The renderer drops colour when out is not a
// terminal, so piped output stays plain.
type styles struct {
	header lipgloss.Style
	cell   lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
	muted  lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	cell := r.NewStyle().Padding(0, 1)
	return styles{
		header: cell.Bold(true),
		cell:   cell,
		ok:     cell.Foreground(lipgloss.Color("2")),
		warn:   cell.Foreground(lipgloss.Color("3")),
		bad:    cell.Foreground(lipgloss.Color("1")).Bold(true),
		muted:  cell.Foreground(lipgloss.Color("8")),
	}
}

// grid is a table whose cells each carry a style.
type grid struct {
	headers []string
	rows    [][]string
	cells   [][]lipgloss.Style
}

func (g *grid) add(cells ...styledCell) {
	row := make([]string, len(cells))
	st := make([]lipgloss.Style, len(cells))
	for i, c := range cells {
		row[i] = c.text
		st[i] = c.style
	}
	g.rows = append(g.rows, row)
	g.cells = append(g.cells, st)
}

type styledCell struct {
	text  string
	style lipgloss.Style
}

func cellOf(text string, st lipgloss.Style) styledCell {
	return styledCell{text: text, style: st}
}

func (g *grid) render(st styles) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(st.muted).
		Headers(g.headers...).
		Rows(g.rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return st.header
			}
			if row < 0 || row >= len(g.cells) || col >= len(g.cells[row]) {
				return st.cell
			}
			return g.cells[row][col]
		}).
		Render()
}
