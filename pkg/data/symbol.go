package data

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Symbol is the broker-agnostic description of a tradable instrument.
type Symbol struct {
	Key         string                            `json:"key"`
	TypeKey     string                            `json:"type_key"`
	TickSize    float64                           `json:"tick_size"`
	LotTickSize float64                           `json:"lot_tick_size"`
	BrokerInfo  map[string]map[string]interface{} `json:"broker_info"`
}

// MkSymbol creates a new Symbol with an empty broker info table
func MkSymbol(key, typeKey string, tickSize, lotTickSize float64) *Symbol {
	return &Symbol{
		Key:         key,
		TypeKey:     typeKey,
		TickSize:    tickSize,
		LotTickSize: lotTickSize,
		BrokerInfo:  make(map[string]map[string]interface{}),
	}
}

// TickSizeDigits is the number of decimal places in the price tick.
func (s *Symbol) TickSizeDigits() int {
	return FloatDigits(s.TickSize)
}

// LotSizeDigits is the number of decimal places in the lot tick.
func (s *Symbol) LotSizeDigits() int {
	return FloatDigits(s.LotTickSize)
}

// Brokers lists the brokers that have contributed info for this symbol.
func (s *Symbol) Brokers() []string {
	names := make([]string, 0, len(s.BrokerInfo))
	for name := range s.BrokerInfo {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FrontFqsn is the fqsn under the first broker providing this symbol.
func (s *Symbol) FrontFqsn() string {
	brokers := s.Brokers()
	if len(brokers) == 0 {
		return strings.ToLower(s.Key)
	}
	return MkFqsn(brokers[0], s.Key)
}

// FloatDigits returns how many digits follow the decimal point of value.
func FloatDigits(value float64) int {
	exp := decimal.NewFromFloat(value).Exponent()
	if exp >= 0 {
		return 0
	}
	return int(-exp)
}

// MkFqsn builds a fully qualified symbol name: "<symbol>.<broker>".
func MkFqsn(broker, symbol string) string {
	return strings.ToLower(symbol) + "." + broker
}

// SplitFqsn reverses MkFqsn. The broker is everything after the last dot.
func SplitFqsn(fqsn string) (symbol, broker string, err error) {
	i := strings.LastIndex(fqsn, ".")
	if i <= 0 || i == len(fqsn)-1 {
		return "", "", fmt.Errorf("invalid fqsn %q: expected <symbol>.<broker>", fqsn)
	}
	return fqsn[:i], fqsn[i+1:], nil
}
