package data

// ShmToken identifies a bar buffer so other components can attach to it.
type ShmToken struct {
	Key    string   `json:"key"`
	Fields []string `json:"fields"`
	Size   int      `json:"size"`
}

// Equal compares two tokens field by field.
func (t ShmToken) Equal(o ShmToken) bool {
	if t.Key != o.Key || t.Size != o.Size || len(t.Fields) != len(o.Fields) {
		return false
	}
	for i := range t.Fields {
		if t.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// SymbolInfo is whatever a backend knows about an instrument.
type SymbolInfo struct {
	AssetType     string                 `json:"asset_type,omitempty"`
	PriceTickSize float64                `json:"price_tick_size,omitempty"`
	LotTickSize   float64                `json:"lot_tick_size,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// AsMap flattens the info for Symbol.BrokerInfo.
func (si SymbolInfo) AsMap() map[string]interface{} {
	m := make(map[string]interface{}, len(si.Extra)+3)
	for k, v := range si.Extra {
		m[k] = v
	}
	if si.AssetType != "" {
		m["asset_type"] = si.AssetType
	}
	if si.PriceTickSize != 0 {
		m["price_tick_size"] = si.PriceTickSize
	}
	if si.LotTickSize != 0 {
		m["lot_tick_size"] = si.LotTickSize
	}
	return m
}

type ShmWriteOpts struct {
	SumTickVlm *bool `json:"sum_tick_vlm,omitempty"`
}

// SumTickVolume reports whether trade tick sizes should be summed into bar
// volume. Backends that publish their own running volume turn this off.
func (o ShmWriteOpts) SumTickVolume() bool {
	return o.SumTickVlm == nil || *o.SumTickVlm
}

// InitMsg is sent once per symbol when a feed starts.
type InitMsg struct {
	SymbolInfo   SymbolInfo   `json:"symbol_info"`
	ShmWriteOpts ShmWriteOpts `json:"shm_write_opts"`
	Fqsn         string       `json:"fqsn,omitempty"`
	ShmToken     *ShmToken    `json:"shm_token,omitempty"`
}

type InitMsgs map[string]InitMsg

// Bool returns a pointer to b.
func Bool(b bool) *bool {
	return &b
}
