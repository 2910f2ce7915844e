package kraken

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/clearing"
	"github.com/backtesting-org/pikerd/pkg/logging"
)

// OrderAPI is the part of Client order handling needs.
type OrderAPI interface {
	SubmitLimit(ctx context.Context, symbol string, price, size decimal.Decimal, action string, reqid *string) (map[string]interface{}, error)
	SubmitCancel(ctx context.Context, reqid string) (map[string]interface{}, error)
}

// HandleOrderRequests relays the dialogue's requests to kraken until ctx
// ends or the dialogue finishes. An unrecognized cancel response ends it
// with an error.
func HandleOrderRequests(
	ctx context.Context,
	api OrderAPI,
	d *brokers.Dialogue,
	account string,
	logger logging.ApplicationLogger,
	now func() time.Time,
) error {
	for {
		var req clearing.Request
		select {
		case <-ctx.Done():
			return nil
		case <-d.Done():
			return nil
		case req = <-d.Requests():
		}
		logger.Info("Received order request: %+v", req)

		var err error
		switch r := req.(type) {
		case *clearing.BrokerdOrder:
			err = submitOrder(ctx, api, d, account, r, logger)
		case *clearing.BrokerdCancel:
			err = cancelOrder(ctx, api, d, r, logger, now)
		default:
			logger.Error("Unknown order command: %+v", req)
		}
		if err != nil {
			return err
		}
	}
}

func submitOrder(ctx context.Context, api OrderAPI, d *brokers.Dialogue, account string, order *clearing.BrokerdOrder, logger logging.ApplicationLogger) error {
	if order.Account != account {
		logger.Error("This is a kraken account, only a `%s` selection is valid", account)
		return d.Emit(ctx, clearing.BrokerdError{
			Oid:    order.Oid,
			Symbol: order.Symbol,
			Reason: fmt.Sprintf("Kraken only, No account found: `%s` ?", order.Account),
		})
	}
	if err := clearing.Validate(order); err != nil {
		return d.Emit(ctx, clearing.BrokerdError{
			Oid:    order.Oid,
			Symbol: order.Symbol,
			Reqid:  order.Reqid,
			Reason: fmt.Sprintf("Invalid order: %v", err),
		})
	}

	resp, err := api.SubmitLimit(ctx, order.Symbol, order.Price, order.Size, order.Action, order.Reqid)
	if err != nil {
		resp = map[string]interface{}{"error": []interface{}{err.Error()}}
	}

	if errs, _ := resp["error"].([]interface{}); len(errs) > 0 {
		logger.Error("Failed to submit order: %s", order.Oid)
		return d.Emit(ctx, clearing.BrokerdError{
			Oid:           order.Oid,
			Reqid:         order.Reqid,
			Symbol:        order.Symbol,
			Reason:        "Failed order submission",
			BrokerDetails: resp,
		})
	}

	result, _ := resp["result"].(map[string]interface{})
	var reqid string
	switch txid := result["txid"].(type) {
	case []interface{}:
		// new orders return a list of ids
		if len(txid) > 0 {
			reqid, _ = txid[0].(string)
		}
	case string:
		// edits return the replacement id
		reqid = txid
	}
	if reqid == "" {
		return brokers.NewBrokerError("no txid in order response: %v", resp)
	}

	return d.Emit(ctx, clearing.BrokerdOrderAck{
		Oid:     order.Oid,
		Reqid:   reqid,
		Account: order.Account,
	})
}

func cancelOrder(ctx context.Context, api OrderAPI, d *brokers.Dialogue, msg *clearing.BrokerdCancel, logger logging.ApplicationLogger, now func() time.Time) error {
	if msg.Reqid == nil {
		return d.Emit(ctx, clearing.BrokerdError{
			Oid:    msg.Oid,
			Symbol: msg.Symbol,
			Reason: "Cancel request has no broker order id",
		})
	}

	resp, err := api.SubmitCancel(ctx, *msg.Reqid)
	if err != nil {
		resp = map[string]interface{}{"error": []interface{}{err.Error()}}
	}

	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		if err := d.Emit(ctx, clearing.BrokerdError{
			Oid:           msg.Oid,
			Reqid:         msg.Reqid,
			Symbol:        msg.Symbol,
			Reason:        "Failed order cancel",
			BrokerDetails: resp,
		}); err != nil {
			return err
		}
		if _, hasErr := resp["error"]; !hasErr {
			return brokers.NewBrokerError("Unknown order cancel response: %v", resp)
		}
		return nil
	}

	count, _ := result["count"].(float64)
	if count == 0 {
		if pending, _ := result["pending"].(bool); pending {
			logger.Error("Order %s cancel was not yet successful", msg.Oid)
			return d.Emit(ctx, clearing.BrokerdError{
				Oid:           msg.Oid,
				Reqid:         msg.Reqid,
				Symbol:        msg.Symbol,
				Reason:        "Order cancel is still pending?",
				BrokerDetails: resp,
			})
		}
		return nil
	}

	return d.Emit(ctx, clearing.BrokerdStatus{
		Reqid:         *msg.Reqid,
		Account:       msg.Account,
		TimeNs:        now().UnixNano(),
		Status:        clearing.StatusCancelled,
		Reason:        "Order cancelled",
		BrokerDetails: map[string]interface{}{"name": Name},
	})
}
