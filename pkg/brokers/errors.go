package brokers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/backtesting-org/pikerd/pkg/logging"
)

var (
	ErrUnknownBroker  = errors.New("unknown broker")
	ErrSymbolNotFound = errors.New("symbol not found")
)

// BrokerError is a failure reported by a broker's API.
type BrokerError struct {
	Status int
	Msg    string
}

func (e *BrokerError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("broker error (%d): %s", e.Status, e.Msg)
	}
	return "broker error: " + e.Msg
}

// NewBrokerError creates a BrokerError from a formatted message
func NewBrokerError(format string, args ...interface{}) *BrokerError {
	return &BrokerError{Msg: fmt.Sprintf(format, args...)}
}

// Resproc checks an API response and returns its body. A non-200 status
// is logged and turned into a BrokerError carrying the body, as is a body
// that is not valid JSON.
func Resproc(resp *http.Response, log logging.ApplicationLogger) ([]byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		url := ""
		if resp.Request != nil && resp.Request.URL != nil {
			url = resp.Request.URL.String()
		}
		log.Error("%s %s %s", resp.Status, http.StatusText(resp.StatusCode), url)
		return nil, &BrokerError{Status: resp.StatusCode, Msg: string(body)}
	}

	if !json.Valid(body) {
		return nil, &BrokerError{Status: resp.StatusCode, Msg: string(body)}
	}
	return body, nil
}

// DecodeJSON runs Resproc and unmarshals the body into out.
func DecodeJSON(resp *http.Response, log logging.ApplicationLogger, out interface{}) error {
	body, err := Resproc(resp, log)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &BrokerError{Status: resp.StatusCode, Msg: string(body)}
	}
	return nil
}
