package data

// Tick types emitted by brokers.
const (
	TickTrade   = "trade"
	TickUTrade  = "utrade"
	TickLast    = "last"
	TickBid     = "bid"
	TickAsk     = "ask"
	TickBidSize = "bsize"
	TickAskSize = "asize"
)

// Tick is a single market event inside a quote.
type Tick struct {
	Type     string  `json:"type"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size,omitempty"`
	BrokerTS float64 `json:"broker_ts,omitempty"`
}

// IsTrade reports whether the tick prints a trade and should move the bar.
func (t Tick) IsTrade() bool {
	switch t.Type {
	case TickTrade, TickUTrade, TickLast:
		return true
	}
	return false
}

// Quote is the normalized per-symbol update every backend produces.
// Zero valued fields are treated as absent.
type Quote struct {
	Symbol    string  `json:"symbol"`
	Last      float64 `json:"last,omitempty"`
	Bid       float64 `json:"bid,omitempty"`
	Ask       float64 `json:"ask,omitempty"`
	BidSize   float64 `json:"bsize,omitempty"`
	AskSize   float64 `json:"asize,omitempty"`
	Volume    float64 `json:"volume,omitempty"`
	Open      float64 `json:"open,omitempty"`
	High      float64 `json:"high,omitempty"`
	Low       float64 `json:"low,omitempty"`
	PrevClose float64 `json:"close,omitempty"`
	BarWAP    float64 `json:"bar_wap,omitempty"`
	BrokerdTS float64 `json:"brokerd_ts,omitempty"`
	Ticks     []Tick  `json:"ticks,omitempty"`
}

// Clone returns a deep copy.
func (q Quote) Clone() Quote {
	c := q
	if q.Ticks != nil {
		c.Ticks = append([]Tick(nil), q.Ticks...)
	}
	return c
}

// Merge overlays other onto q: set fields overwrite, ticks are appended.
func (q Quote) Merge(other Quote) Quote {
	m := q.Clone()
	if other.Symbol != "" {
		m.Symbol = other.Symbol
	}
	overlay(&m.Last, other.Last)
	overlay(&m.Bid, other.Bid)
	overlay(&m.Ask, other.Ask)
	overlay(&m.BidSize, other.BidSize)
	overlay(&m.AskSize, other.AskSize)
	overlay(&m.Volume, other.Volume)
	overlay(&m.Open, other.Open)
	overlay(&m.High, other.High)
	overlay(&m.Low, other.Low)
	overlay(&m.PrevClose, other.PrevClose)
	overlay(&m.BarWAP, other.BarWAP)
	overlay(&m.BrokerdTS, other.BrokerdTS)
	m.Ticks = append(m.Ticks, other.Ticks...)
	return m
}

func overlay(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

// Quotes maps a topic (lower cased symbol) to its latest quote.
type Quotes map[string]Quote
