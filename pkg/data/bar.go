package data

// Bar is one OHLCV sample. Time is in unix seconds.
type Bar struct {
	Index  int64   `json:"index" db:"idx"`
	Time   float64 `json:"time" db:"time"`
	Open   float64 `json:"open" db:"open"`
	High   float64 `json:"high" db:"high"`
	Low    float64 `json:"low" db:"low"`
	Close  float64 `json:"close" db:"close"`
	Volume float64 `json:"volume" db:"volume"`
	BarWAP float64 `json:"bar_wap" db:"bar_wap"`
}

// OHLCVFields is the field layout of a bar buffer.
var OHLCVFields = []string{"index", "time", "open", "high", "low", "close", "volume", "bar_wap"}
