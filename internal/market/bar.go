package market

import "time"

// Bar represents one OHLCV price sample
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      int64     `json:"open"`  // Price in cents
	High      int64     `json:"high"`  // Price in cents
	Low       int64     `json:"low"`   // Price in cents
	Close     int64     `json:"close"` // Price in cents
	Volume    int64     `json:"volume"`
}
