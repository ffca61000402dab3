package upstox

// Tick is a normalized market-data feed entry for one instrument.
// LTPC fields are always present; OHLC/volume/OI only arrive on full
// feeds and are guarded by HasOHLC / HasOI.
type Tick struct {
	InstrumentKey string
	LTP           float64
	Close         float64 // previous close
	LTT           int64   // last trade time (ms)
	LTQ           int64   // last trade quantity

	HasOHLC bool
	Open    float64
	High    float64
	Low     float64
	Volume  int64

	HasOI bool
	OI    float64
}

// Ref resolves a price reference name against the tick. The second return
// is false when the field was absent from the feed entry.
func (t Tick) Ref(name string) (float64, bool) {
	switch name {
	case "ltp":
		return t.LTP, true
	case "close":
		return t.Close, true
	case "open":
		return t.Open, t.HasOHLC
	case "high":
		return t.High, t.HasOHLC
	case "low":
		return t.Low, t.HasOHLC
	default:
		return 0, false
	}
}

// OrderRequest is the payload submitted when a rule's action places an order.
type OrderRequest struct {
	InstrumentToken string  `json:"instrument_token"`
	Symbol          string  `json:"symbol"`
	TransactionType string  `json:"transaction_type"` // BUY or SELL
	Quantity        int     `json:"quantity"`
	OrderType       string  `json:"order_type"` // MARKET or LIMIT
	Product         string  `json:"product"`    // D (delivery) or I (intraday)
	Price           float64 `json:"price"`
	Validity        string  `json:"validity"`
}

// OrderResponse is the vendor's acknowledgment of a placed order.
type OrderResponse struct {
	OrderID string
	Paper   bool
}

// Credentials is the auto-login material for one user.
type Credentials struct {
	Mobile     string
	Pin        string
	TOTPSecret string
}
