package pp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// LedgerStore persists raw broker trade records and derived positions per
// broker account.
type LedgerStore interface {
	UpdateLedger(ctx context.Context, broker, account string, entries map[string]json.RawMessage) error
	LoadLedger(ctx context.Context, broker, account string) (map[string]json.RawMessage, error)
	SavePositions(ctx context.Context, broker, account string, pps map[string]*Position) error
	LoadPositions(ctx context.Context, broker, account string) (map[string]*Position, error)
}

// UpdatePositionsConf loads the account's positions, applies trans and
// writes the result back.
func UpdatePositionsConf(ctx context.Context, store LedgerStore, broker, account string, trans []Transaction) (active, closed map[string]*Position, err error) {
	pps, err := store.LoadPositions(ctx, broker, account)
	if err != nil {
		return nil, nil, fmt.Errorf("load positions for %s.%s: %w", broker, account, err)
	}
	if pps == nil {
		pps = make(map[string]*Position)
	}

	active, closed = UpdatePositions(pps, trans)

	if err := store.SavePositions(ctx, broker, account, pps); err != nil {
		return nil, nil, fmt.Errorf("save positions for %s.%s: %w", broker, account, err)
	}
	return active, closed, nil
}

type accountKey struct {
	broker  string
	account string
}

// MemoryLedger implements LedgerStore with in-memory storage
type MemoryLedger struct {
	mu        sync.RWMutex
	ledgers   map[accountKey]map[string]json.RawMessage
	positions map[accountKey]map[string]*Position
}

// NewMemoryLedger creates a new in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		ledgers:   make(map[accountKey]map[string]json.RawMessage),
		positions: make(map[accountKey]map[string]*Position),
	}
}

func (ml *MemoryLedger) UpdateLedger(_ context.Context, broker, account string, entries map[string]json.RawMessage) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	key := accountKey{broker, account}
	if ml.ledgers[key] == nil {
		ml.ledgers[key] = make(map[string]json.RawMessage)
	}
	for tid, rec := range entries {
		ml.ledgers[key][tid] = append(json.RawMessage(nil), rec...)
	}
	return nil
}

func (ml *MemoryLedger) LoadLedger(_ context.Context, broker, account string) (map[string]json.RawMessage, error) {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	out := make(map[string]json.RawMessage)
	for tid, rec := range ml.ledgers[accountKey{broker, account}] {
		out[tid] = rec
	}
	return out, nil
}

func (ml *MemoryLedger) SavePositions(_ context.Context, broker, account string, pps map[string]*Position) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	saved := make(map[string]*Position, len(pps))
	for bsuid, p := range pps {
		saved[bsuid] = p.clone()
	}
	ml.positions[accountKey{broker, account}] = saved
	return nil
}

func (ml *MemoryLedger) LoadPositions(_ context.Context, broker, account string) (map[string]*Position, error) {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	out := make(map[string]*Position)
	for bsuid, p := range ml.positions[accountKey{broker, account}] {
		out[bsuid] = p.clone()
	}
	return out, nil
}

func (p *Position) clone() *Position {
	c := *p
	c.Clears = make(map[string]Clear, len(p.Clears))
	for tid, cl := range p.Clears {
		c.Clears[tid] = cl
	}
	return &c
}
