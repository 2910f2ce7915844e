package monitor

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/mgutz/ansi"

	"github.com/backtesting-org/pikerd/pkg/data"
)

// Cell colors, as xterm 256 color codes.
const (
	ColorUp   = "forestgreen"
	ColorDown = "red2"
	ColorSame = "gray"
)

var colorCodes = map[string]string{
	ColorUp:   "28",
	ColorDown: "203",
	ColorSame: "244",
}

const (
	flashPeriod = 300 * time.Millisecond
	colWidth    = 10
	symWidth    = 12
)

var flashKeys = []string{"high", "low"}

// Row is one symbol's line in the table.
type Row struct {
	Symbol string

	record     Record
	display    Display
	colors     map[string]string
	flash      map[string]string
	flashUntil time.Time
}

func newRow(symbol string, rec Record, disp Display) *Row {
	colors := make(map[string]string, len(rec)+1)
	for k := range rec {
		colors[k] = ColorSame
	}
	colors["symbol"] = ColorSame
	return &Row{Symbol: symbol, record: rec, display: disp, colors: colors}
}

// Update replaces the row's values and returns the colors of every cell
// that moved: up is forestgreen, down is red2.
func (r *Row) Update(rec Record, disp Display) map[string]string {
	changed := make(map[string]string)
	for k, v := range rec {
		color := ColorSame
		switch prev := r.record[k]; {
		case prev < v:
			color = ColorUp
		case prev > v:
			color = ColorDown
		}
		r.colors[k] = color
		if color != ColorSame {
			changed[k] = color
		}
	}
	r.record, r.display = rec, disp
	return changed
}

// colorRow tints the symbol and day change by the change's sign and
// flashes the trade cells when last or vol moved.
func (r *Row) colorRow(changed map[string]string, now time.Time) {
	day := ColorSame
	switch pct := r.record["%"]; {
	case pct < 0:
		day = ColorDown
	case pct > 0:
		day = ColorUp
	}
	r.colors["symbol"] = day
	r.colors["%"] = day

	tick, ok := changed["last"]
	if !ok {
		if _, ok := changed["vol"]; !ok {
			return
		}
		// a volume tick at an unchanged price
		tick = ColorSame
	}
	r.flash = map[string]string{"last": tick, "size": tick}
	for _, k := range flashKeys {
		if c, ok := changed[k]; ok {
			r.flash[k] = c
		}
	}
	r.flashUntil = now.Add(flashPeriod)
}

// Value returns the row's record value for key.
func (r *Row) Value(key string) float64 {
	return r.record[key]
}

// Color returns the current color of cell key.
func (r *Row) Color(key string) string {
	return r.colors[key]
}

// Flashing reports the cells highlighted at now and their colors.
func (r *Row) Flashing(now time.Time) map[string]string {
	if !now.Before(r.flashUntil) {
		return nil
	}
	return r.flash
}

// Table is a sorted set of rows.
type Table struct {
	SortKey string
	Color   bool

	rows map[string]*Row
}

// NewTable creates a new table sorted by day change.
func NewTable(color bool) *Table {
	return &Table{SortKey: "%", Color: color, rows: make(map[string]*Row)}
}

// Update applies a quote to its symbol's row, adding the row if needed,
// and returns the changed cells.
func (t *Table) Update(symbol string, q data.Quote, now time.Time) map[string]string {
	rec, disp := FormatQuote(q)
	row, ok := t.rows[symbol]
	if !ok {
		row = newRow(symbol, rec, disp)
		t.rows[symbol] = row
		row.colorRow(nil, now)
		return nil
	}
	changed := row.Update(rec, disp)
	row.colorRow(changed, now)
	return changed
}

// Row returns the row for symbol.
func (t *Table) Row(symbol string) (*Row, bool) {
	r, ok := t.rows[symbol]
	return r, ok
}

// Sorted returns the rows in descending sort key order.
func (t *Table) Sorted() []*Row {
	rows := make([]*Row, 0, len(t.rows))
	for _, r := range t.rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].record[t.SortKey], rows[j].record[t.SortKey]
		if a != b {
			return a > b
		}
		return rows[i].Symbol < rows[j].Symbol
	})
	return rows
}

// Search returns the symbols containing pattern.
func (t *Table) Search(pattern string) []string {
	var out []string
	for sym := range t.rows {
		if strings.Contains(sym, pattern) {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

func (t *Table) paint(text, color string, flash bool) string {
	if !t.Color {
		return text
	}
	style := colorCodes[color]
	if flash {
		style += "+i"
	}
	return ansi.Color(text, style)
}

// Render writes the header and every row in sorted order.
func (t *Table) Render(w io.Writer, now time.Time) error {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-*s", symWidth, "symbol"))
	for _, c := range Columns {
		mark := c
		if c == t.SortKey {
			mark = "*" + c
		}
		b.WriteString(fmt.Sprintf("%*s", colWidth, mark))
	}
	b.WriteString("\n")

	for _, r := range t.Sorted() {
		flash := r.Flashing(now)
		b.WriteString(t.paint(fmt.Sprintf("%-*s", symWidth, r.Symbol), r.colors["symbol"], false))
		for _, c := range Columns {
			cell := fmt.Sprintf("%*s", colWidth, r.display[c])
			if fc, ok := flash[c]; ok {
				b.WriteString(t.paint(cell, fc, true))
				continue
			}
			b.WriteString(t.paint(cell, r.colors[c], false))
		}
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
