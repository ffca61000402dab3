package rules

import (
	"encoding/json"
	"strings"
	"time"
)

// Evaluate decides whether rule fires for ctx. It is pure: trailing-stop
// state flows in through the trigger config and back out through
// Result.TriggerUpdate. Malformed or missing config never fires and never
// panics.
func Evaluate(r Rule, ctx Context) Result {
	res := Result{RuleID: r.ID}

	if !r.Enabled {
		return res
	}
	if r.MaxFires > 0 && r.FireCount >= r.MaxFires {
		return res
	}
	if r.ExpiresAt != nil && !ctx.Now.IsZero() && ctx.Now.After(*r.ExpiresAt) {
		return res
	}

	switch r.TriggerType {
	case TriggerPrice:
		res.Fired = evalPrice(r.TriggerConfig, ctx)
	case TriggerTime:
		res.Fired = evalTime(r.TriggerConfig, ctx)
	case TriggerOrderStatus:
		res.Fired = evalOrderStatus(r.TriggerConfig, ctx)
	case TriggerIndicator:
		res.Fired = evalIndicator(r.TriggerConfig, ctx)
	case TriggerCompound:
		res.Fired = evalCompound(r.TriggerConfig, ctx, 0)
	case TriggerTrailingStop:
		res.Fired, res.TriggerUpdate = evalTrailingStop(r.TriggerConfig, ctx)
	default:
		return res
	}

	if res.Fired {
		res.ActionType = r.ActionType
		res.ActionConfig = r.ActionConfig
	}
	return res
}

func compare(condition string, actual, target float64) bool {
	switch condition {
	case "gte":
		return actual >= target
	case "lte":
		return actual <= target
	case "eq":
		return actual == target
	default:
		return false
	}
}

func reference(name string) string {
	if name == "" {
		return "ltp"
	}
	return name
}

func evalPrice(raw json.RawMessage, ctx Context) bool {
	if ctx.Tick == nil {
		return false
	}
	var cfg PriceTrigger
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return false
	}
	actual, ok := ctx.Tick.Ref(reference(cfg.Reference))
	if !ok {
		return false
	}
	return compare(cfg.Condition, actual, cfg.Price)
}

func evalTime(raw json.RawMessage, ctx Context) bool {
	if ctx.Now.IsZero() {
		return false
	}
	var cfg TimeTrigger
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.At == "" {
		return false
	}
	if ctx.Now.Format("15:04") != cfg.At {
		return false
	}
	if len(cfg.OnDays) == 0 {
		return true
	}
	day := ctx.Now.Weekday().String()[:3]
	for _, d := range cfg.OnDays {
		if strings.EqualFold(d, day) {
			return true
		}
	}
	return false
}

func evalOrderStatus(raw json.RawMessage, ctx Context) bool {
	if ctx.Order == nil {
		return false
	}
	var cfg OrderStatusTrigger
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.OrderID == "" || cfg.Status == "" {
		return false
	}
	return ctx.Order.OrderID == cfg.OrderID && strings.EqualFold(ctx.Order.Status, cfg.Status)
}

func evalIndicator(raw json.RawMessage, ctx Context) bool {
	var cfg IndicatorTrigger
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.Indicator == "" || cfg.Timeframe == "" {
		return false
	}
	actual, ok := ctx.Indicators[IndicatorKey(cfg.Indicator, cfg.Timeframe)]
	if !ok {
		return false
	}
	return compare(cfg.Condition, actual, cfg.Value)
}

// maxCompoundDepth bounds nested compound legs; the API caps nesting at one
// level but stored configs are not trusted here.
const maxCompoundDepth = 4

func evalCompound(raw json.RawMessage, ctx Context, depth int) bool {
	if depth >= maxCompoundDepth {
		return false
	}
	var cfg CompoundTrigger
	if err := json.Unmarshal(raw, &cfg); err != nil || len(cfg.Conditions) == 0 {
		return false
	}

	evalLeg := func(sub SubCondition) bool {
		switch sub.Type {
		case TriggerPrice:
			return evalPrice(sub.Config, ctx)
		case TriggerTime:
			return evalTime(sub.Config, ctx)
		case TriggerOrderStatus:
			return evalOrderStatus(sub.Config, ctx)
		case TriggerIndicator:
			return evalIndicator(sub.Config, ctx)
		case TriggerCompound:
			return evalCompound(sub.Config, ctx, depth+1)
		case TriggerTrailingStop:
			// Legs are stateless: compare against the stored high only.
			fired, _ := evalTrailingStop(sub.Config, ctx)
			return fired
		default:
			return false
		}
	}

	switch strings.ToLower(cfg.Operator) {
	case "and":
		for _, sub := range cfg.Conditions {
			if !evalLeg(sub) {
				return false
			}
		}
		return true
	case "or":
		for _, sub := range cfg.Conditions {
			if evalLeg(sub) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func evalTrailingStop(raw json.RawMessage, ctx Context) (bool, json.RawMessage) {
	if ctx.Tick == nil {
		return false, nil
	}
	var cfg TrailingStopTrigger
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.TrailPercent <= 0 || cfg.TrailPercent >= 100 {
		return false, nil
	}

	price, ok := ctx.Tick.Ref(reference(cfg.Reference))
	if !ok {
		return false, nil
	}

	highest := cfg.HighestPrice
	if highest <= 0 {
		highest = cfg.InitialPrice
	}
	if highest <= 0 {
		highest = price
	}

	if price > highest {
		cfg.HighestPrice = price
		update, err := json.Marshal(cfg)
		if err != nil {
			return false, nil
		}
		return false, update
	}

	stop := highest - highest*cfg.TrailPercent/100
	if price <= stop {
		return true, nil
	}

	// Echo the seeded high-water mark so a rule created without one
	// persists it on the first observed tick.
	if cfg.HighestPrice != highest {
		cfg.HighestPrice = highest
		if update, err := json.Marshal(cfg); err == nil {
			return false, update
		}
	}
	return false, nil
}

// TimeRuleDue reports whether a time rule would fire at now; used by the
// daemon's time-check loop to avoid building a full context per rule.
func TimeRuleDue(r Rule, now time.Time) bool {
	if r.TriggerType != TriggerTime {
		return false
	}
	return evalTime(r.TriggerConfig, Context{Now: now})
}
