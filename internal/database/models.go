package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/backtesting-org/pikerd/pkg/pp"
)

type ledgerRow struct {
	Tid    string          `db:"tid"`
	Record json.RawMessage `db:"record"`
}

// Clears stores a position's per trade clears as JSONB.
type Clears map[string]pp.Clear

// Value implements driver.Valuer for database storage
func (c Clears) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner for database retrieval
func (c *Clears) Scan(value interface{}) error {
	if value == nil {
		*c = make(Clears)
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported clears type %T", value)
	}
	out := make(Clears)
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*c = out
	return nil
}

type positionRow struct {
	Bsuid   string          `db:"bsuid"`
	Symbol  string          `db:"symbol"`
	Size    decimal.Decimal `db:"size"`
	BePrice decimal.Decimal `db:"be_price"`
	Clears  Clears          `db:"clears"`
}

func (r positionRow) position() *pp.Position {
	p := pp.NewPosition(r.Symbol, r.Bsuid)
	p.Size = r.Size
	p.BePrice = r.BePrice
	for tid, cl := range r.Clears {
		p.Clears[tid] = cl
	}
	return p
}
