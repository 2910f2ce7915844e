package kraken

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/temporal"
	"github.com/backtesting-org/pikerd/pkg/websocket/base"
	"github.com/backtesting-org/pikerd/pkg/websocket/connection"
	"github.com/backtesting-org/pikerd/pkg/websocket/performance"
)

// OHLC is one kraken "ohlc-1" update: the running state of the current
// interval.
type OHLC struct {
	Pair   string
	Time   float64
	Etime  float64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	VWAP   float64
	Volume float64
	Count  int64
}

// routeKey keys event objects by "event" and data arrays by their channel
// name, the second to last element.
func routeKey(msg []byte) (string, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return "", errors.New("empty frame")
	}
	switch msg[0] {
	case '{':
		var ev struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			return "", err
		}
		return ev.Event, nil
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(msg, &arr); err != nil {
			return "", err
		}
		if len(arr) < 3 {
			return "", fmt.Errorf("short data frame: %s", msg)
		}
		var channel string
		if err := json.Unmarshal(arr[len(arr)-2], &channel); err != nil {
			return "", fmt.Errorf("no channel name in frame: %s", msg)
		}
		return channel, nil
	}
	return "", fmt.Errorf("unknown frame: %s", msg)
}

// parseOHLC decodes [chanid, [time, etime, o, h, l, c, vwap, vol, count], "ohlc-1", pair].
func parseOHLC(msg []byte) (OHLC, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(msg, &arr); err != nil || len(arr) < 4 {
		return OHLC{}, fmt.Errorf("bad ohlc frame: %s", msg)
	}
	var fields []interface{}
	if err := json.Unmarshal(arr[1], &fields); err != nil || len(fields) < 9 {
		return OHLC{}, fmt.Errorf("bad ohlc fields: %s", arr[1])
	}
	vals := make([]float64, 9)
	for i := range vals {
		v, err := toFloat(fields[i])
		if err != nil {
			return OHLC{}, fmt.Errorf("ohlc field %d: %w", i, err)
		}
		vals[i] = v
	}
	var pair string
	if err := json.Unmarshal(arr[len(arr)-1], &pair); err != nil {
		return OHLC{}, err
	}
	return OHLC{
		Pair:   pair,
		Time:   vals[0],
		Etime:  vals[1],
		Open:   vals[2],
		High:   vals[3],
		Low:    vals[4],
		Close:  vals[5],
		VWAP:   vals[6],
		Volume: vals[7],
		Count:  int64(vals[8]),
	}, nil
}

// parseSpread decodes [chanid, [bid, ask, ts, bsize, asize], "spread", pair]
// into an L1 quote.
func parseSpread(msg []byte) (string, data.Quote, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(msg, &arr); err != nil || len(arr) < 4 {
		return "", data.Quote{}, fmt.Errorf("bad spread frame: %s", msg)
	}
	var fields []interface{}
	if err := json.Unmarshal(arr[1], &fields); err != nil || len(fields) < 5 {
		return "", data.Quote{}, fmt.Errorf("bad spread fields: %s", arr[1])
	}
	vals := make([]float64, 5)
	for i := range vals {
		v, err := toFloat(fields[i])
		if err != nil {
			return "", data.Quote{}, fmt.Errorf("spread field %d: %w", i, err)
		}
		vals[i] = v
	}
	var pair string
	if err := json.Unmarshal(arr[len(arr)-1], &pair); err != nil {
		return "", data.Quote{}, err
	}
	bid, ask, ts, bsize, asize := vals[0], vals[1], vals[2], vals[3], vals[4]
	return NormalizeSymbol(pair), data.Quote{
		Symbol:  strings.ReplaceAll(pair, "/", ""),
		Bid:     bid,
		Ask:     ask,
		BidSize: bsize,
		AskSize: asize,
		Ticks: []data.Tick{
			{Type: data.TickBid, Price: bid, Size: bsize, BrokerTS: ts},
			{Type: data.TickBidSize, Price: bid, Size: bsize, BrokerTS: ts},
			{Type: data.TickAsk, Price: ask, Size: asize, BrokerTS: ts},
			{Type: data.TickAskSize, Price: ask, Size: asize, BrokerTS: ts},
		},
	}, nil
}

// quoteStream turns ws frames into normalized quotes. The first OHLC
// update becomes the feed's first quote.
type quoteStream struct {
	out    chan<- data.Quotes
	status *brokers.StreamStatus
	init   data.InitMsgs
	logger logging.ApplicationLogger
	tp     temporal.TimeProvider

	mu            sync.Mutex
	started       bool
	last          map[string]OHLC
	intervalStart map[string]float64
}

func newQuoteStream(out chan<- data.Quotes, status *brokers.StreamStatus, init data.InitMsgs, logger logging.ApplicationLogger, tp temporal.TimeProvider) *quoteStream {
	return &quoteStream{
		out:           out,
		status:        status,
		init:          init,
		logger:        logger,
		tp:            tp,
		last:          make(map[string]OHLC),
		intervalStart: make(map[string]float64),
	}
}

func (s *quoteStream) handleOHLC(ctx context.Context, msg []byte) error {
	o, err := parseOHLC(msg)
	if err != nil {
		return err
	}
	topic := NormalizeSymbol(o.Pair)

	s.mu.Lock()
	prev, seen := s.last[topic]
	var tickVolume float64
	switch {
	case !seen:
		s.intervalStart[topic] = o.Etime
	case o.Etime > s.intervalStart[topic]:
		// new sample interval, the whole volume is this tick's
		s.intervalStart[topic] = o.Etime
		tickVolume = o.Volume
	default:
		tickVolume = o.Volume - prev.Volume
	}
	s.last[topic] = o
	s.mu.Unlock()

	quote := data.Quote{
		Symbol:    strings.ReplaceAll(o.Pair, "/", ""),
		Last:      o.Close,
		Open:      o.Open,
		High:      o.High,
		Low:       o.Low,
		Volume:    o.Volume,
		BarWAP:    o.VWAP,
		BrokerdTS: temporal.Epoch(s.tp.Now()),
	}
	if tickVolume != 0 {
		quote.Ticks = []data.Tick{{
			Type:     data.TickTrade,
			Price:    o.Close,
			Size:     tickVolume,
			BrokerTS: o.Time,
		}}
	}
	return s.emit(ctx, topic, quote, true)
}

func (s *quoteStream) handleSpread(ctx context.Context, msg []byte) error {
	topic, quote, err := parseSpread(msg)
	if err != nil {
		return err
	}
	quote.BrokerdTS = temporal.Epoch(s.tp.Now())
	return s.emit(ctx, topic, quote, false)
}

func (s *quoteStream) handleEvent(_ context.Context, msg []byte) error {
	var ev struct {
		Event        string `json:"event"`
		Status       string `json:"status"`
		ErrorMessage string `json:"errorMessage"`
		Pair         string `json:"pair"`
		Subscription struct {
			Name string `json:"name"`
		} `json:"subscription"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		return err
	}
	switch ev.Event {
	case "heartbeat":
	case "subscriptionStatus":
		if ev.Status == "error" {
			s.logger.Error("Kraken %s subscription for %s failed: %s", ev.Subscription.Name, ev.Pair, ev.ErrorMessage)
			return brokers.NewBrokerError("%s", ev.ErrorMessage)
		}
		s.logger.Debug("Kraken %s subscription for %s is %s", ev.Subscription.Name, ev.Pair, ev.Status)
	default:
		s.logger.Info("Kraken %s: %s", ev.Event, msg)
	}
	return nil
}

func (s *quoteStream) emit(ctx context.Context, topic string, quote data.Quote, canStart bool) error {
	s.mu.Lock()
	if !s.started {
		if !canStart {
			s.mu.Unlock()
			return nil
		}
		s.started = true
		s.mu.Unlock()
		s.status.Started(s.init, data.Quotes{topic: quote})
		s.status.SetLive()
		return nil
	}
	s.mu.Unlock()

	select {
	case s.out <- data.Quotes{topic: quote}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func unhandled(logger logging.ApplicationLogger) base.MessageHandler {
	return base.NewHandlerFunc(func(_ context.Context, msg []byte) error {
		logger.Warn("Unhandled kraken msg: %s", msg)
		return nil
	})
}

// StreamQuotes subscribes to 1m OHLC and spread updates for symbols and
// pushes quotes until ctx ends. Subscriptions are resent on reconnect.
func (b *Backend) StreamQuotes(ctx context.Context, symbols []string, out chan<- data.Quotes, status *brokers.StreamStatus) error {
	init := make(data.InitMsgs, len(symbols))
	wsnames := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		p, err := b.client.Pair(ctx, sym)
		if err != nil {
			return err
		}
		init[strings.ToLower(sym)] = data.InitMsg{
			SymbolInfo: p.AsInfo(),
			// kraken sends the interval's running volume
			ShmWriteOpts: data.ShmWriteOpts{SumTickVlm: data.Bool(false)},
		}
		wsnames = append(wsnames, p.WSName)
	}

	stream := newQuoteStream(out, status, init, b.logger, b.tp)
	registry := base.NewHandlerRegistry(routeKey, b.logger)
	for _, h := range []base.MessageHandler{
		base.NewHandlerFunc(stream.handleOHLC, "ohlc-1"),
		base.NewHandlerFunc(stream.handleSpread, "spread"),
		base.NewHandlerFunc(stream.handleEvent, "heartbeat", "systemStatus", "subscriptionStatus", "pong"),
	} {
		if err := registry.RegisterHandler(h); err != nil {
			return err
		}
	}
	registry.SetFallback(unhandled(b.logger))
	stats := performance.NewMetrics(Name, b.opts.Metrics)
	pcfg := base.DefaultConfig()
	pcfg.Metrics = stats
	pipeline := base.NewPipeline(pcfg, registry, b.logger)

	session, err := connection.OpenSession(ctx, connection.SessionOptions{
		Config:  b.wsConfig(b.opts.WSURL),
		Dialer:  b.opts.Dialer,
		Metrics: stats,
		Logger:  b.logger,
		Fixture: func(cm connection.ConnectionManager) error {
			return subscribeQuotes(cm, wsnames)
		},
		OnMessage: pipeline.Handler(ctx),
	})
	if err != nil {
		return fmt.Errorf("kraken quote stream: %w", err)
	}
	defer session.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Done():
			return session.Err()
		case err := <-session.Errors():
			if ctx.Err() == nil {
				b.logger.Warn("Kraken feed error: %v", err)
			}
		}
	}
}

func subscribeQuotes(cm connection.ConnectionManager, pairs []string) error {
	subs := []map[string]interface{}{
		{"name": "ohlc", "interval": 1},
		{"name": "spread"},
	}
	for _, sub := range subs {
		err := cm.SendJSON(map[string]interface{}{
			"event":        "subscribe",
			"pair":         pairs,
			"subscription": sub,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
