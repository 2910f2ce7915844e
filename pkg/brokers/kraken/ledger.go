package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/backtesting-org/pikerd/pkg/pp"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

// TradeRecord is one entry of kraken's TradesHistory or ownTrades.
type TradeRecord struct {
	OrderTxid string          `json:"ordertxid"`
	PosTxid   string          `json:"postxid,omitempty"`
	Pair      string          `json:"pair"`
	Time      float64         `json:"time"`
	Type      string          `json:"type"`
	OrderType string          `json:"ordertype"`
	Price     decimal.Decimal `json:"price"`
	Cost      decimal.Decimal `json:"cost"`
	Fee       decimal.Decimal `json:"fee"`
	Vol       decimal.Decimal `json:"vol"`
	Margin    decimal.Decimal `json:"margin"`
}

var sides = map[string]int64{
	"buy":  1,
	"sell": -1,
}

// NormTradeRecords converts a raw kraken ledger into transactions, sorted
// by trade id.
func NormTradeRecords(ledger map[string]json.RawMessage) ([]pp.Transaction, error) {
	records := make([]pp.Transaction, 0, len(ledger))
	for tid, raw := range ledger {
		var rec TradeRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode kraken trade %s: %w", tid, err)
		}
		sign, ok := sides[rec.Type]
		if !ok {
			return nil, fmt.Errorf("kraken trade %s has unknown type %q", tid, rec.Type)
		}
		records = append(records, pp.Transaction{
			Fqsn:  NormalizeSymbol(rec.Pair) + "." + Name,
			Tid:   tid,
			Size:  rec.Vol.Mul(decimal.NewFromInt(sign)),
			Price: rec.Price,
			Cost:  rec.Fee,
			Dt:    temporal.FromEpoch(rec.Time),
			Bsuid: rec.Pair,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Tid < records[j].Tid })
	return records, nil
}

// updateLedger writes entries to the account ledger and returns them as
// transactions.
func (b *Backend) updateLedger(ctx context.Context, acctid string, entries map[string]json.RawMessage) ([]pp.Transaction, error) {
	if err := b.ledger.UpdateLedger(ctx, Name, acctid, entries); err != nil {
		return nil, fmt.Errorf("update kraken ledger: %w", err)
	}
	return NormTradeRecords(entries)
}
