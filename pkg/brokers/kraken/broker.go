package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/clearing"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/pp"
	"github.com/backtesting-org/pikerd/pkg/websocket/base"
	"github.com/backtesting-org/pikerd/pkg/websocket/connection"
	"github.com/backtesting-org/pikerd/pkg/websocket/performance"
)

var ErrMissingAPIKey = errors.New("missing kraken api key in brokers.toml")

// OpenTradesDialogue loads the account ledger and positions, then relays
// order requests to the REST API and own trades from the authenticated ws
// feed until ctx ends.
func (b *Backend) OpenTradesDialogue(ctx context.Context) (*brokers.Dialogue, error) {
	if !b.client.HasCredentials() {
		return nil, ErrMissingAPIKey
	}

	acctid := b.client.Name()
	accName := Name + "." + acctid

	trades, err := b.client.GetTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("load kraken trades: %w", err)
	}
	b.logger.Info("Loaded %d trades from account `%s`", len(trades), accName)

	trans, err := b.updateLedger(ctx, acctid, trades)
	if err != nil {
		return nil, err
	}
	active, closed, err := pp.UpdatePositionsConf(ctx, b.ledger, Name, acctid, trans)
	if err != nil {
		return nil, err
	}

	token, err := b.client.WebSocketsToken(ctx)
	if err != nil {
		return nil, err
	}

	dialogue := brokers.NewDialogue(positionMsgs(accName, active, closed), []string{accName})
	relay := &tradesRelay{
		backend:  b,
		dialogue: dialogue,
		acctid:   acctid,
		accName:  accName,
		seen:     make(map[string]struct{}, len(trades)),
		logger:   b.logger,
	}
	for tid := range trades {
		relay.seen[tid] = struct{}{}
	}

	dctx, cancel := context.WithCancel(ctx)

	registry := base.NewHandlerRegistry(routeKey, b.logger)
	for _, h := range []base.MessageHandler{
		base.NewHandlerFunc(relay.handleOwnTrades, "ownTrades"),
		base.NewHandlerFunc(relay.handleOpenOrders, "openOrders"),
		base.NewHandlerFunc(func(context.Context, []byte) error { return nil }, "heartbeat", "systemStatus", "subscriptionStatus"),
	} {
		if err := registry.RegisterHandler(h); err != nil {
			cancel()
			return nil, err
		}
	}
	registry.SetFallback(base.NewHandlerFunc(func(_ context.Context, msg []byte) error {
		b.logger.Warn("Unhandled trades msg: %s", msg)
		return nil
	}))
	stats := performance.NewMetrics(Name, b.opts.Metrics)
	pcfg := base.DefaultConfig()
	pcfg.Metrics = stats
	pipeline := base.NewPipeline(pcfg, registry, b.logger)

	session, err := connection.OpenSession(dctx, connection.SessionOptions{
		Config:  b.wsConfig(b.opts.AuthWSURL),
		Dialer:  b.opts.Dialer,
		Metrics: stats,
		Logger:  b.logger,
		Fixture: func(cm connection.ConnectionManager) error {
			return subscribeTrades(cm, token)
		},
		OnMessage: pipeline.Handler(dctx),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("kraken trades stream: %w", err)
	}

	go func() {
		err := HandleOrderRequests(dctx, b.client, dialogue, accName, b.logger, b.tp.Now)
		if err != nil && dctx.Err() == nil {
			dialogue.Finish(err)
		}
	}()

	go func() {
		defer cancel()
		defer session.Close()
		select {
		case <-dctx.Done():
			dialogue.Finish(dctx.Err())
		case <-session.Done():
			dialogue.Finish(session.Err())
		case <-dialogue.Done():
		}
	}()

	return dialogue, nil
}

func subscribeTrades(cm connection.ConnectionManager, token string) error {
	for _, name := range []string{"ownTrades", "openOrders"} {
		err := cm.SendJSON(map[string]interface{}{
			"event": "subscribe",
			"subscription": map[string]string{
				"name":  name,
				"token": token,
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func positionMsgs(accName string, sets ...map[string]*pp.Position) []clearing.BrokerdPosition {
	var msgs []clearing.BrokerdPosition
	for _, pps := range sets {
		keys := make([]string, 0, len(pps))
		for k := range pps {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := pps[k]
			msgs = append(msgs, clearing.BrokerdPosition{
				Broker:   Name,
				Account:  accName,
				Symbol:   p.Symbol,
				Size:     p.Size,
				AvgPrice: p.BePrice,
			})
		}
	}
	return msgs
}

// tradesRelay turns ownTrades updates into fills, statuses and positions.
type tradesRelay struct {
	backend  *Backend
	dialogue *brokers.Dialogue
	acctid   string
	accName  string
	logger   logging.ApplicationLogger

	seq  int64
	seen map[string]struct{}
}

type sequence struct {
	Sequence int64 `json:"sequence"`
}

// parseSubscription decodes [entries, channel, {"sequence": n}].
func parseSubscription(msg []byte) ([]map[string]json.RawMessage, int64, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(msg, &arr); err != nil || len(arr) != 3 {
		return nil, 0, fmt.Errorf("bad trades frame: %s", msg)
	}
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(arr[0], &entries); err != nil {
		return nil, 0, fmt.Errorf("bad trades entries: %w", err)
	}
	var seq sequence
	if err := json.Unmarshal(arr[2], &seq); err != nil {
		return nil, 0, fmt.Errorf("bad trades sequence: %w", err)
	}
	return entries, seq.Sequence, nil
}

func (r *tradesRelay) handleOwnTrades(ctx context.Context, msg []byte) error {
	entries, seq, err := parseSubscription(msg)
	if err != nil {
		return err
	}
	if seq <= r.seq {
		r.logger.Warn("Skipping stale ownTrades sequence %d (at %d)", seq, r.seq)
		return nil
	}
	r.seq = seq

	fresh := make(map[string]json.RawMessage)
	for _, entry := range entries {
		for tid, raw := range entry {
			if _, ok := r.seen[tid]; ok {
				continue
			}
			fresh[tid] = raw
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	tids := make([]string, 0, len(fresh))
	for tid := range fresh {
		tids = append(tids, tid)
	}
	sort.Strings(tids)

	for _, tid := range tids {
		var t TradeRecord
		if err := json.Unmarshal(fresh[tid], &t); err != nil {
			return fmt.Errorf("decode own trade %s: %w", tid, err)
		}
		now := r.backend.tp.Now().UnixNano()

		fill := clearing.BrokerdFill{
			Reqid:         t.OrderTxid,
			TimeNs:        now,
			Action:        t.Type,
			Size:          t.Vol,
			Price:         t.Price,
			BrokerDetails: map[string]interface{}{"name": Name},
			BrokerTime:    t.Time,
		}
		if err := r.dialogue.Emit(ctx, fill); err != nil {
			return err
		}

		filled := clearing.BrokerdStatus{
			Reqid:   t.OrderTxid,
			TimeNs:  now,
			Account: r.accName,
			Status:  clearing.StatusFilled,
			Filled:  t.Vol,
			Reason:  "Order filled by kraken",
			BrokerDetails: map[string]interface{}{
				"name":        Name,
				"broker_time": t.Time,
			},
			Remaining: decimal.Zero,
		}
		if err := r.dialogue.Emit(ctx, filled); err != nil {
			return err
		}
		r.seen[tid] = struct{}{}
	}

	trans, err := r.backend.updateLedger(ctx, r.acctid, fresh)
	if err != nil {
		return err
	}
	active, closed, err := pp.UpdatePositionsConf(ctx, r.backend.ledger, Name, r.acctid, trans)
	if err != nil {
		return err
	}
	for _, msg := range positionMsgs(r.accName, active, closed) {
		if err := r.dialogue.Emit(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (r *tradesRelay) handleOpenOrders(_ context.Context, msg []byte) error {
	entries, seq, err := parseSubscription(msg)
	if err != nil {
		return err
	}
	r.logger.Info("Order update %d: %d entries", seq, len(entries))
	return nil
}
