package pp

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// costScalar weights transaction costs into the break even price.
var costScalar = decimal.NewFromInt(2)

// Transaction is one normalized fill from a broker's trade ledger.
type Transaction struct {
	Fqsn  string          `json:"fqsn"`
	Tid   string          `json:"tid"`
	Size  decimal.Decimal `json:"size"`
	Price decimal.Decimal `json:"price"`
	Cost  decimal.Decimal `json:"cost"`
	Dt    time.Time       `json:"dt"`
	Bsuid string          `json:"bsuid"`
}

// Clear records the part of a transaction applied to a position.
type Clear struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Cost  decimal.Decimal `json:"cost"`
	Dt    time.Time       `json:"dt"`
}

// Position is the running size and break even price for one instrument.
type Position struct {
	Symbol  string           `json:"symbol"`
	Size    decimal.Decimal  `json:"size"`
	BePrice decimal.Decimal  `json:"be_price"`
	Bsuid   string           `json:"bsuid"`
	Clears  map[string]Clear `json:"clears"`
}

// NewPosition creates a new flat position
func NewPosition(fqsn, bsuid string) *Position {
	return &Position{
		Symbol: fqsn,
		Bsuid:  bsuid,
		Clears: make(map[string]Clear),
	}
}

// Update applies a fill and returns the new size and break even price.
// Increasing the position blends in the fill price and cost, reducing it
// leaves the break even alone, flipping sides resets it to the fill price
// and going flat zeroes it.
func (p *Position) Update(size, price, cost decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	newSize := p.Size.Add(size)
	sizeDiff := newSize.Abs().Sub(p.Size.Abs())

	switch {
	case newSize.IsZero():
		p.BePrice = decimal.Zero

	case !p.Size.IsZero() && newSize.Sign() != p.Size.Sign():
		p.BePrice = price

	case sizeDiff.IsPositive():
		weight := size.Abs().Mul(price).
			Add(cost.Mul(costScalar)).
			Add(p.BePrice.Mul(p.Size.Abs()))
		p.BePrice = weight.Div(newSize.Abs())
	}

	p.Size = newSize
	return p.Size, p.BePrice
}

// IsClosed reports a flat position.
func (p *Position) IsClosed() bool {
	return p.Size.IsZero()
}

// UpdatePositions applies trans in time order to pps, keyed by bsuid, and
// splits the result into open and flat positions. A transaction whose id
// was already cleared into its position is skipped.
func UpdatePositions(pps map[string]*Position, trans []Transaction) (active, closed map[string]*Position) {
	sorted := append([]Transaction(nil), trans...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Dt.Before(sorted[j].Dt)
	})

	for _, t := range sorted {
		p, ok := pps[t.Bsuid]
		if !ok {
			p = NewPosition(t.Fqsn, t.Bsuid)
			pps[t.Bsuid] = p
		}
		if _, seen := p.Clears[t.Tid]; seen {
			continue
		}
		p.Update(t.Size, t.Price, t.Cost)
		p.Clears[t.Tid] = Clear{Price: t.Price, Size: t.Size, Cost: t.Cost, Dt: t.Dt}
	}

	active = make(map[string]*Position)
	closed = make(map[string]*Position)
	for bsuid, p := range pps {
		if p.IsClosed() {
			closed[bsuid] = p
		} else {
			active[bsuid] = p
		}
	}
	return active, closed
}
