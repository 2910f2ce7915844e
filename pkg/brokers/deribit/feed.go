package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/websocket/base"
	"github.com/backtesting-org/pikerd/pkg/websocket/connection"
	"github.com/backtesting-org/pikerd/pkg/websocket/performance"
)

const subscribeTimeout = 10 * time.Second

// Quote is the payload of the quote.<instrument> channel.
type Quote struct {
	Timestamp      int64   `json:"timestamp"`
	InstrumentName string  `json:"instrument_name"`
	BestBidPrice   float64 `json:"best_bid_price"`
	BestBidAmount  float64 `json:"best_bid_amount"`
	BestAskPrice   float64 `json:"best_ask_price"`
	BestAskAmount  float64 `json:"best_ask_amount"`
}

type subscription struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// routeKey maps responses to "response", heartbeats to "heartbeat" and
// subscription pushes to their channel kind ("quote", "trades").
func routeKey(msg []byte) (string, error) {
	var frame base.RPCFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return "", err
	}
	if frame.IsResponse() {
		return "response", nil
	}
	if frame.Method != "subscription" {
		return frame.Method, nil
	}
	var sub subscription
	if err := json.Unmarshal(frame.Params, &sub); err != nil {
		return "", fmt.Errorf("bad subscription params: %w", err)
	}
	kind, _, _ := strings.Cut(sub.Channel, ".")
	return kind, nil
}

func channels(instruments []string) []string {
	out := make([]string, 0, 2*len(instruments))
	for _, inst := range instruments {
		out = append(out, "quote."+inst, "trades."+inst+".100ms")
	}
	return out
}

type quoteRelay struct {
	out    chan<- data.Quotes
	rpc    *base.RPCClient
	logger logging.ApplicationLogger
}

func (r *quoteRelay) send(ctx context.Context, topic string, q data.Quote) error {
	select {
	case r.out <- data.Quotes{topic: q}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeSubscription(msg []byte) (subscription, error) {
	var frame base.RPCFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return subscription{}, err
	}
	var sub subscription
	err := json.Unmarshal(frame.Params, &sub)
	return sub, err
}

func (r *quoteRelay) handleQuote(ctx context.Context, msg []byte) error {
	sub, err := decodeSubscription(msg)
	if err != nil {
		return err
	}
	var q Quote
	if err := json.Unmarshal(sub.Data, &q); err != nil {
		return fmt.Errorf("decode deribit quote: %w", err)
	}
	ts := float64(q.Timestamp) / 1000
	topic := strings.ToLower(q.InstrumentName)
	return r.send(ctx, topic, data.Quote{
		Symbol:  topic,
		Bid:     q.BestBidPrice,
		Ask:     q.BestAskPrice,
		BidSize: q.BestBidAmount,
		AskSize: q.BestAskAmount,
		Ticks: []data.Tick{
			{Type: data.TickBid, Price: q.BestBidPrice, Size: q.BestBidAmount, BrokerTS: ts},
			{Type: data.TickBidSize, Price: q.BestBidPrice, Size: q.BestBidAmount, BrokerTS: ts},
			{Type: data.TickAsk, Price: q.BestAskPrice, Size: q.BestAskAmount, BrokerTS: ts},
			{Type: data.TickAskSize, Price: q.BestAskPrice, Size: q.BestAskAmount, BrokerTS: ts},
		},
	})
}

func (r *quoteRelay) handleTrades(ctx context.Context, msg []byte) error {
	sub, err := decodeSubscription(msg)
	if err != nil {
		return err
	}
	var trades []Trade
	if err := json.Unmarshal(sub.Data, &trades); err != nil {
		return fmt.Errorf("decode deribit trades: %w", err)
	}
	for _, t := range trades {
		topic := strings.ToLower(t.InstrumentName)
		if err := r.send(ctx, topic, tradeQuote(topic, t)); err != nil {
			return err
		}
	}
	return nil
}

func tradeQuote(topic string, t Trade) data.Quote {
	ts := float64(t.Timestamp) / 1000
	return data.Quote{
		Symbol:    topic,
		Last:      t.Price,
		BrokerdTS: ts,
		Ticks: []data.Tick{{
			Type:     data.TickTrade,
			Price:    t.Price,
			Size:     t.Amount,
			BrokerTS: ts,
		}},
	}
}

// handleHeartbeat answers the server's test requests so it keeps the
// connection open.
func (r *quoteRelay) handleHeartbeat(_ context.Context, msg []byte) error {
	var frame struct {
		Params struct {
			Type string `json:"type"`
		} `json:"params"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return err
	}
	if frame.Params.Type == "test_request" {
		return r.rpc.Notify("public/test", map[string]interface{}{})
	}
	return nil
}

func (r *quoteRelay) handleResponse(_ context.Context, msg []byte) error {
	var frame base.RPCFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return err
	}
	if !r.rpc.Resolve(frame) {
		if frame.Error != nil {
			r.logger.Error("Deribit request %d failed: %v", *frame.ID, frame.Error)
		}
	}
	return nil
}

// StreamQuotes streams L1 and trades for the option symbols over
// deribit's JSON-RPC websocket. The latest trade seeds the first quote.
func (b *Backend) StreamQuotes(ctx context.Context, symbols []string, out chan<- data.Quotes, status *brokers.StreamStatus) error {
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols to stream")
	}
	instruments := make([]string, 0, len(symbols))
	init := make(data.InitMsgs, len(symbols))
	for _, sym := range symbols {
		opt, err := ParseOption(sym)
		if err != nil {
			return err
		}
		info := data.SymbolInfo{AssetType: "option"}
		if inst, err := b.client.Instrument(ctx, sym); err == nil {
			info.PriceTickSize = inst.TickSize
			info.LotTickSize = inst.MinTradeAmount
			info.Extra = inst.AsMap()
		} else {
			b.logger.Warn("No deribit instrument info for %s: %v", sym, err)
		}
		init[opt.Topic()] = data.InitMsg{SymbolInfo: info, Fqsn: data.MkFqsn(Name, opt.Topic())}
		instruments = append(instruments, opt.Instrument())
	}

	sym := strings.ToLower(instruments[0])
	first := data.Quote{Symbol: sym}
	last, err := b.client.LastTrades(ctx, instruments[0], 1)
	if err != nil {
		return fmt.Errorf("deribit first quote: %w", err)
	}
	if len(last.Trades) > 0 {
		first = tradeQuote(sym, last.Trades[0])
	}

	var (
		mu   sync.Mutex
		conn connection.ConnectionManager
	)
	rpc := base.NewRPCClient(func(v interface{}) error {
		mu.Lock()
		cm := conn
		mu.Unlock()
		if cm == nil {
			return fmt.Errorf("deribit session not open")
		}
		return cm.SendJSON(v)
	})
	relay := &quoteRelay{out: out, rpc: rpc, logger: b.logger}

	registry := base.NewHandlerRegistry(routeKey, b.logger)
	for _, h := range []base.MessageHandler{
		base.NewHandlerFunc(relay.handleQuote, "quote"),
		base.NewHandlerFunc(relay.handleTrades, "trades"),
		base.NewHandlerFunc(relay.handleHeartbeat, "heartbeat"),
		base.NewHandlerFunc(relay.handleResponse, "response"),
	} {
		if err := registry.RegisterHandler(h); err != nil {
			return err
		}
	}
	registry.SetFallback(base.NewHandlerFunc(func(_ context.Context, msg []byte) error {
		b.logger.Warn("Unhandled deribit msg: %s", msg)
		return nil
	}))
	stats := performance.NewMetrics(Name, b.opts.Metrics)
	pcfg := base.DefaultConfig()
	pcfg.Metrics = stats
	pipeline := base.NewPipeline(pcfg, registry, b.logger)

	subs := channels(instruments)
	session, err := connection.OpenSession(ctx, connection.SessionOptions{
		Config:  b.wsConfig(),
		Dialer:  b.opts.Dialer,
		Metrics: stats,
		Logger:  b.logger,
		Fixture: func(cm connection.ConnectionManager) error {
			mu.Lock()
			conn = cm
			mu.Unlock()
			// the reader starts after the fixture so nothing here may wait
			// on a response
			if err := rpc.Notify("public/set_heartbeat", map[string]int{"interval": heartbeatInterval}); err != nil {
				return err
			}
			go b.subscribe(ctx, rpc, subs)
			return nil
		},
		OnMessage: pipeline.Handler(ctx),
	})
	if err != nil {
		return fmt.Errorf("deribit quote stream: %w", err)
	}
	defer session.Close()

	status.Started(init, data.Quotes{sym: first})
	status.SetLive()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Done():
			return session.Err()
		case err := <-session.Errors():
			if ctx.Err() == nil {
				b.logger.Warn("Deribit feed error: %v", err)
			}
		}
	}
}

func (b *Backend) subscribe(ctx context.Context, rpc *base.RPCClient, subs []string) {
	ctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	res, err := rpc.Call(ctx, "public/subscribe", map[string]interface{}{"channels": subs})
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Error("Deribit subscribe failed: %v", err)
		}
		return
	}
	var active []string
	_ = json.Unmarshal(res, &active)
	b.logger.Info("Subscribed to deribit channels %v", active)
}
