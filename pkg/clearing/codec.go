package clearing

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var ErrMissingAction = errors.New("clearing: request has no action")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks a message's struct tags.
func Validate(v interface{}) error {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate.Struct(v)
}

// ParseRequest decodes a raw order request by its action. Decoded requests
// are not validated so callers can inspect fields first.
func ParseRequest(raw []byte) (Request, error) {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	switch head.Action {
	case "":
		return nil, ErrMissingAction
	case "buy", "sell":
		var o BrokerdOrder
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		return &o, nil
	case "cancel":
		var c BrokerdCancel
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode cancel: %w", err)
		}
		return &c, nil
	default:
		return &UnknownRequest{Action: head.Action, Raw: raw}, nil
	}
}

// Encode marshals msg with its "name" discriminator.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	name, _ := json.Marshal(msg.MsgName())
	fields["name"] = name
	return json.Marshal(fields)
}
