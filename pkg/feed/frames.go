package feed

import (
	"encoding/json"

	"github.com/backtesting-org/pikerd/pkg/clearing"
	"github.com/backtesting-org/pikerd/pkg/data"
)

// Frame types on the daemon's websocket streams.
const (
	FrameStarted  = "started"
	FrameQuotes   = "quotes"
	FrameIndex    = "index"
	FrameDialogue = "dialogue"
	FrameEvent    = "event"
	FrameError    = "error"
)

// Control messages a feed stream client may send.
const (
	ControlPause  = "pause"
	ControlResume = "resume"
)

// Frame is one JSON message on a daemon websocket.
type Frame struct {
	Type string `json:"type"`

	InitMsg     data.InitMsgs `json:"init_msg,omitempty"`
	FirstQuotes data.Quotes   `json:"first_quotes,omitempty"`
	Quotes      data.Quotes   `json:"quotes,omitempty"`

	Index *int64 `json:"index,omitempty"`

	Positions []clearing.BrokerdPosition `json:"positions,omitempty"`
	Accounts  []string                   `json:"accounts,omitempty"`
	Msg       json.RawMessage            `json:"msg,omitempty"`

	Error string `json:"error,omitempty"`
}
