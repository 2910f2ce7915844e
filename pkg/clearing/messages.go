package clearing

import (
	"github.com/shopspring/decimal"
)

// Message is anything a broker sends back up the trades dialogue.
type Message interface {
	MsgName() string
}

// Request is anything the order client sends down to a broker.
type Request interface {
	RequestAction() string
}

// BrokerdOrder asks the broker to place (or edit, when Reqid is set) a
// limit order.
type BrokerdOrder struct {
	Action  string          `json:"action" validate:"required,oneof=buy sell"`
	Oid     string          `json:"oid" validate:"required"`
	Account string          `json:"account" validate:"required"`
	TimeNs  int64           `json:"time_ns"`
	Reqid   *string         `json:"reqid,omitempty"`
	Symbol  string          `json:"symbol" validate:"required"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
}

func (o *BrokerdOrder) RequestAction() string { return o.Action }

type BrokerdCancel struct {
	Action        string                 `json:"action" validate:"required,eq=cancel"`
	Oid           string                 `json:"oid" validate:"required"`
	Reqid         *string                `json:"reqid,omitempty"`
	TimeNs        int64                  `json:"time_ns"`
	Account       string                 `json:"account"`
	Symbol        string                 `json:"symbol,omitempty"`
	BrokerDetails map[string]interface{} `json:"broker_details,omitempty"`
}

func (c *BrokerdCancel) RequestAction() string { return c.Action }

// UnknownRequest carries an action no handler understands.
type UnknownRequest struct {
	Action string
	Raw    []byte
}

func (u *UnknownRequest) RequestAction() string { return u.Action }

// BrokerdOrderAck maps our order id onto the broker's request id.
type BrokerdOrderAck struct {
	Oid     string `json:"oid"`
	Reqid   string `json:"reqid"`
	Account string `json:"account"`
}

func (BrokerdOrderAck) MsgName() string { return "ack" }

// Order status values.
const (
	StatusSubmitted = "submitted"
	StatusCancelled = "cancelled"
	StatusFilled    = "filled"
	StatusPending   = "pending"
	StatusError     = "error"
)

type BrokerdStatus struct {
	Reqid         string                 `json:"reqid"`
	TimeNs        int64                  `json:"time_ns"`
	Status        string                 `json:"status"`
	Account       string                 `json:"account"`
	Filled        decimal.Decimal        `json:"filled"`
	Reason        string                 `json:"reason,omitempty"`
	Remaining     decimal.Decimal        `json:"remaining"`
	BrokerDetails map[string]interface{} `json:"broker_details,omitempty"`
}

func (BrokerdStatus) MsgName() string { return "status" }

type BrokerdFill struct {
	Reqid         string                 `json:"reqid"`
	TimeNs        int64                  `json:"time_ns"`
	Action        string                 `json:"action"`
	Size          decimal.Decimal        `json:"size"`
	Price         decimal.Decimal        `json:"price"`
	BrokerDetails map[string]interface{} `json:"broker_details,omitempty"`
	BrokerTime    float64                `json:"broker_time"`
}

func (BrokerdFill) MsgName() string { return "fill" }

type BrokerdError struct {
	Oid           string                 `json:"oid"`
	Symbol        string                 `json:"symbol"`
	Reason        string                 `json:"reason"`
	Reqid         *string                `json:"reqid,omitempty"`
	BrokerDetails map[string]interface{} `json:"broker_details,omitempty"`
}

func (BrokerdError) MsgName() string { return "error" }

// BrokerdPosition is a snapshot of one position held at the broker.
type BrokerdPosition struct {
	Broker   string          `json:"broker"`
	Account  string          `json:"account"`
	Symbol   string          `json:"symbol"`
	Size     decimal.Decimal `json:"size"`
	AvgPrice decimal.Decimal `json:"avg_price"`
	Currency string          `json:"currency"`
}

func (BrokerdPosition) MsgName() string { return "position" }
