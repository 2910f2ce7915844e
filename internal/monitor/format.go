package monitor

import (
	"fmt"
	"math"
	"strconv"

	"github.com/backtesting-org/pikerd/pkg/data"
)

// Columns is the display order of a row after the symbol.
var Columns = []string{"%", "last", "bid", "ask", "bsize", "asize", "size", "vol", "high", "low", "open", "close"}

// Record holds a quote's sortable values by column.
type Record map[string]float64

// Display holds the rendered text by column.
type Display map[string]string

func lastTradeSize(q data.Quote) float64 {
	for i := len(q.Ticks) - 1; i >= 0; i-- {
		if q.Ticks[i].IsTrade() {
			return q.Ticks[i].Size
		}
	}
	return 0
}

// changePct is the day change of last against the previous close, or the
// open when no close is known.
func changePct(q data.Quote) float64 {
	ref := q.PrevClose
	if ref == 0 {
		ref = q.Open
	}
	if ref == 0 || q.Last == 0 {
		return 0
	}
	return (q.Last - ref) / ref * 100
}

func fmtPrice(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// humanize shortens large sizes, 1234567 -> 1.23M.
func humanize(v float64) string {
	abs := math.Abs(v)
	switch {
	case v == 0:
		return ""
	case abs >= 1e9:
		return fmt.Sprintf("%.2fB", v/1e9)
	case abs >= 1e6:
		return fmt.Sprintf("%.2fM", v/1e6)
	case abs >= 1e3:
		return fmt.Sprintf("%.2fK", v/1e3)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatQuote converts a quote into its sortable record and display text.
func FormatQuote(q data.Quote) (Record, Display) {
	pct := changePct(q)
	size := lastTradeSize(q)
	rec := Record{
		"%":     pct,
		"last":  q.Last,
		"bid":   q.Bid,
		"ask":   q.Ask,
		"bsize": q.BidSize,
		"asize": q.AskSize,
		"size":  size,
		"vol":   q.Volume,
		"high":  q.High,
		"low":   q.Low,
		"open":  q.Open,
		"close": q.PrevClose,
	}
	disp := Display{
		"%":     fmt.Sprintf("%.2f%%", pct),
		"last":  fmtPrice(q.Last),
		"bid":   fmtPrice(q.Bid),
		"ask":   fmtPrice(q.Ask),
		"bsize": humanize(q.BidSize),
		"asize": humanize(q.AskSize),
		"size":  humanize(size),
		"vol":   humanize(q.Volume),
		"high":  fmtPrice(q.High),
		"low":   fmtPrice(q.Low),
		"open":  fmtPrice(q.Open),
		"close": fmtPrice(q.PrevClose),
	}
	return rec, disp
}
