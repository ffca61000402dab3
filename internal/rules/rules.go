// Package rules defines monitor rules, their typed trigger payloads and the
// pure evaluator that decides whether a rule fires for an event.
package rules

import (
	"encoding/json"
	"time"

	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/db"
	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/upstox"
)

// TriggerType discriminates the trigger_config payload.
type TriggerType string

const (
	TriggerPrice        TriggerType = "price"
	TriggerTime         TriggerType = "time"
	TriggerOrderStatus  TriggerType = "order_status"
	TriggerIndicator    TriggerType = "indicator"
	TriggerCompound     TriggerType = "compound"
	TriggerTrailingStop TriggerType = "trailing_stop"
)

// Rule is the in-memory form of a monitor rule.
type Rule struct {
	ID              string
	UserID          string
	Name            string
	Enabled         bool
	TriggerType     TriggerType
	TriggerConfig   json.RawMessage
	ActionType      string
	ActionConfig    json.RawMessage
	InstrumentToken string
	FireCount       int
	MaxFires        int
	ExpiresAt       *time.Time
	FiredAt         *time.Time
	SourceOrderID   string
}

// FromRow converts a stored rule row into the in-memory form.
func FromRow(r db.MonitorRule) Rule {
	return Rule{
		ID:              r.ID,
		UserID:          r.UserID,
		Name:            r.Name,
		Enabled:         r.Enabled,
		TriggerType:     TriggerType(r.TriggerType),
		TriggerConfig:   json.RawMessage(r.TriggerConfig),
		ActionType:      r.ActionType,
		ActionConfig:    json.RawMessage(r.ActionConfig),
		InstrumentToken: r.InstrumentToken,
		FireCount:       r.FireCount,
		MaxFires:        r.MaxFires,
		ExpiresAt:       r.ExpiresAt,
		FiredAt:         r.FiredAt,
		SourceOrderID:   r.SourceOrderID,
	}
}

// Trigger payloads (one per TriggerType).

type PriceTrigger struct {
	Condition string  `json:"condition"` // gte, lte, eq
	Price     float64 `json:"price"`
	Reference string  `json:"reference"` // ltp, close, open, high, low; default ltp
}

type TimeTrigger struct {
	At     string   `json:"at"`      // "HH:MM"
	OnDays []string `json:"on_days"` // "Mon".."Sun"; empty means every day
}

type OrderStatusTrigger struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type IndicatorTrigger struct {
	Indicator string  `json:"indicator"` // sma, ema, rsi
	Period    int     `json:"period"`
	Timeframe string  `json:"timeframe"` // e.g. "5m"
	Condition string  `json:"condition"`
	Value     float64 `json:"value"`
}

type TrailingStopTrigger struct {
	TrailPercent float64 `json:"trail_percent"`
	InitialPrice float64 `json:"initial_price"`
	HighestPrice float64 `json:"highest_price"`
	Reference    string  `json:"reference"`
}

type CompoundTrigger struct {
	Operator   string         `json:"operator"` // and, or
	Conditions []SubCondition `json:"conditions"`
}

// SubCondition is one leg of a compound trigger: a nested trigger whose
// remaining fields stay raw until the leg's type is known.
type SubCondition struct {
	Type   TriggerType
	Config json.RawMessage
}

func (s *SubCondition) UnmarshalJSON(data []byte) error {
	var head struct {
		Type TriggerType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	s.Type = head.Type
	s.Config = append(s.Config[:0], data...)
	return nil
}

func (s SubCondition) MarshalJSON() ([]byte, error) {
	if len(s.Config) > 0 {
		return s.Config, nil
	}
	return json.Marshal(struct {
		Type TriggerType `json:"type"`
	}{s.Type})
}

// OrderUpdate is one decoded portfolio-stream event.
type OrderUpdate struct {
	UpdateType      string  `json:"update_type"`
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	Symbol          string  `json:"symbol"`
	InstrumentToken string  `json:"instrument_token"`
	TransactionType string  `json:"transaction_type"`
	Quantity        int     `json:"quantity"`
	FilledQuantity  int     `json:"filled_quantity"`
	Price           float64 `json:"price"`
	AveragePrice    float64 `json:"average_price"`

	// Raw retains the full vendor payload for fields not modeled above.
	Raw json.RawMessage `json:"-"`
}

// Context carries whichever inputs are relevant to the rule under
// evaluation: a market tick, a portfolio event, the wall clock, and the
// session's current indicator values keyed by IndicatorKey.
type Context struct {
	Tick       *upstox.Tick
	Order      *OrderUpdate
	Now        time.Time
	Indicators map[string]float64
}

// Result is the outcome of evaluating one rule against one context.
// ActionType/ActionConfig are set iff Fired. TriggerUpdate, when non-nil,
// is a full replacement for the rule's persisted trigger_config and may be
// present on unfired results (trailing-stop high-water updates).
type Result struct {
	RuleID        string
	Fired         bool
	ActionType    string
	ActionConfig  json.RawMessage
	TriggerUpdate json.RawMessage
}

// IndicatorKey builds the session map key for an indicator value.
func IndicatorKey(name, timeframe string) string {
	return name + "_" + timeframe
}

// IndicatorSpec names one indicator a rule needs recomputed on candle close.
type IndicatorSpec struct {
	Indicator string
	Period    int
	Timeframe string
}

// IndicatorSpecs lists the indicators a rule depends on, including legs of
// compound rules.
func IndicatorSpecs(r Rule) []IndicatorSpec {
	switch r.TriggerType {
	case TriggerIndicator:
		var cfg IndicatorTrigger
		if err := json.Unmarshal(r.TriggerConfig, &cfg); err != nil || cfg.Indicator == "" || cfg.Timeframe == "" {
			return nil
		}
		return []IndicatorSpec{{Indicator: cfg.Indicator, Period: cfg.Period, Timeframe: cfg.Timeframe}}
	case TriggerCompound:
		var cfg CompoundTrigger
		if err := json.Unmarshal(r.TriggerConfig, &cfg); err != nil {
			return nil
		}
		var specs []IndicatorSpec
		for _, sub := range cfg.Conditions {
			leg := r
			leg.TriggerType = sub.Type
			leg.TriggerConfig = sub.Config
			specs = append(specs, IndicatorSpecs(leg)...)
		}
		return specs
	default:
		return nil
	}
}

// RequiredInstrument returns the instrument token a rule needs subscribed,
// if any. Time and order_status rules need none; compound rules subscribe
// their parent instrument only.
func RequiredInstrument(r Rule) (string, bool) {
	switch r.TriggerType {
	case TriggerPrice, TriggerIndicator, TriggerTrailingStop, TriggerCompound:
		if r.InstrumentToken != "" {
			return r.InstrumentToken, true
		}
	}
	return "", false
}
