package rules

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/upstox"
)

func priceRule(config string) Rule {
	return Rule{
		ID:              "r1",
		UserID:          "alice",
		Enabled:         true,
		TriggerType:     TriggerPrice,
		TriggerConfig:   json.RawMessage(config),
		ActionType:      "place_order",
		ActionConfig:    json.RawMessage(`{"symbol":"RELIANCE","side":"SELL","quantity":5}`),
		InstrumentToken: "NSE_EQ|RELIANCE",
	}
}

func tickCtx(ltp float64) Context {
	return Context{Tick: &upstox.Tick{InstrumentKey: "NSE_EQ|RELIANCE", LTP: ltp, Close: ltp - 10}}
}

func TestEvaluatePrice(t *testing.T) {
	rule := priceRule(`{"condition":"gte","price":100,"reference":"ltp"}`)

	res := Evaluate(rule, tickCtx(105))
	assert.True(t, res.Fired)
	assert.Equal(t, "place_order", res.ActionType)
	assert.NotEmpty(t, res.ActionConfig)

	res = Evaluate(rule, tickCtx(95))
	assert.False(t, res.Fired)
	assert.Empty(t, res.ActionType, "action only present when fired")

	t.Run("lte and eq", func(t *testing.T) {
		assert.True(t, Evaluate(priceRule(`{"condition":"lte","price":100}`), tickCtx(100)).Fired)
		assert.True(t, Evaluate(priceRule(`{"condition":"eq","price":100}`), tickCtx(100)).Fired)
		assert.False(t, Evaluate(priceRule(`{"condition":"eq","price":100}`), tickCtx(100.5)).Fired)
	})

	t.Run("close reference", func(t *testing.T) {
		rule := priceRule(`{"condition":"lte","price":96,"reference":"close"}`)
		assert.True(t, Evaluate(rule, tickCtx(105)).Fired) // close = 95
	})

	t.Run("missing reference field does not fire", func(t *testing.T) {
		rule := priceRule(`{"condition":"gte","price":100,"reference":"open"}`)
		assert.False(t, Evaluate(rule, tickCtx(105)).Fired, "no OHLC on the tick")
	})

	t.Run("degrades on malformed config", func(t *testing.T) {
		assert.False(t, Evaluate(priceRule(`not json`), tickCtx(105)).Fired)
		assert.False(t, Evaluate(priceRule(`{"condition":"between","price":100}`), tickCtx(105)).Fired)
	})

	t.Run("no tick in context", func(t *testing.T) {
		assert.False(t, Evaluate(priceRule(`{"condition":"gte","price":100}`), Context{}).Fired)
	})
}

func TestEvaluateGuards(t *testing.T) {
	rule := priceRule(`{"condition":"gte","price":100}`)

	rule.Enabled = false
	assert.False(t, Evaluate(rule, tickCtx(105)).Fired)

	rule.Enabled = true
	rule.FireCount, rule.MaxFires = 2, 2
	assert.False(t, Evaluate(rule, tickCtx(105)).Fired)

	rule.FireCount = 0
	past := time.Now().Add(-time.Hour)
	rule.ExpiresAt = &past
	ctx := tickCtx(105)
	ctx.Now = time.Now()
	assert.False(t, Evaluate(rule, ctx).Fired)
}

func TestEvaluateTime(t *testing.T) {
	rule := Rule{ID: "t1", Enabled: true, TriggerType: TriggerTime,
		TriggerConfig: json.RawMessage(`{"at":"09:20","on_days":["Mon","Tue","Wed","Thu","Fri"]}`)}

	monday := time.Date(2026, 9, 7, 9, 20, 30, 0, time.UTC) // Monday
	assert.True(t, Evaluate(rule, Context{Now: monday}).Fired)

	sunday := time.Date(2026, 9, 6, 9, 20, 0, 0, time.UTC)
	assert.False(t, Evaluate(rule, Context{Now: sunday}).Fired, "weekday not listed")

	assert.False(t, Evaluate(rule, Context{Now: monday.Add(time.Minute)}).Fired, "minute mismatch")
	assert.False(t, Evaluate(rule, Context{}).Fired, "zero clock")

	t.Run("empty on_days means every day", func(t *testing.T) {
		rule.TriggerConfig = json.RawMessage(`{"at":"09:20"}`)
		assert.True(t, Evaluate(rule, Context{Now: sunday}).Fired)
	})
}

func TestEvaluateOrderStatus(t *testing.T) {
	rule := Rule{ID: "o1", Enabled: true, TriggerType: TriggerOrderStatus,
		TriggerConfig: json.RawMessage(`{"order_id":"ord-1","status":"complete"}`)}

	ctx := Context{Order: &OrderUpdate{OrderID: "ord-1", Status: "COMPLETE"}}
	assert.True(t, Evaluate(rule, ctx).Fired, "status compare is case-insensitive")

	assert.False(t, Evaluate(rule, Context{Order: &OrderUpdate{OrderID: "ord-2", Status: "complete"}}).Fired)
	assert.False(t, Evaluate(rule, Context{Order: &OrderUpdate{OrderID: "ord-1", Status: "rejected"}}).Fired)
	assert.False(t, Evaluate(rule, Context{}).Fired)
}

func TestEvaluateIndicator(t *testing.T) {
	rule := Rule{ID: "i1", Enabled: true, TriggerType: TriggerIndicator,
		TriggerConfig:   json.RawMessage(`{"indicator":"rsi","period":14,"timeframe":"5m","condition":"lte","value":30}`),
		InstrumentToken: "NSE_EQ|RELIANCE"}

	ctx := Context{Indicators: map[string]float64{"rsi_5m": 28.4}}
	assert.True(t, Evaluate(rule, ctx).Fired)

	ctx.Indicators["rsi_5m"] = 55
	assert.False(t, Evaluate(rule, ctx).Fired)

	assert.False(t, Evaluate(rule, Context{Indicators: map[string]float64{}}).Fired, "value not yet computed")
}

func TestEvaluateCompound(t *testing.T) {
	config := `{
		"operator": "and",
		"conditions": [
			{"type":"price","condition":"gte","price":100,"reference":"ltp"},
			{"type":"indicator","indicator":"rsi","period":14,"timeframe":"5m","condition":"gte","value":70}
		]
	}`
	rule := Rule{ID: "c1", Enabled: true, TriggerType: TriggerCompound,
		TriggerConfig: json.RawMessage(config), InstrumentToken: "NSE_EQ|RELIANCE",
		ActionType: "place_order", ActionConfig: json.RawMessage(`{}`)}

	ctx := tickCtx(105)
	ctx.Indicators = map[string]float64{"rsi_5m": 75}
	assert.True(t, Evaluate(rule, ctx).Fired, "every leg true for the same tick")

	ctx.Indicators["rsi_5m"] = 50
	assert.False(t, Evaluate(rule, ctx).Fired, "and requires all legs")

	t.Run("or fires on any leg", func(t *testing.T) {
		orRule := rule
		orRule.TriggerConfig = json.RawMessage(`{
			"operator": "or",
			"conditions": [
				{"type":"price","condition":"gte","price":200},
				{"type":"price","condition":"lte","price":110}
			]
		}`)
		assert.True(t, Evaluate(orRule, tickCtx(105)).Fired)
	})

	t.Run("degrades on bad operator or empty legs", func(t *testing.T) {
		bad := rule
		bad.TriggerConfig = json.RawMessage(`{"operator":"xor","conditions":[{"type":"price","condition":"gte","price":1}]}`)
		assert.False(t, Evaluate(bad, tickCtx(105)).Fired)
		bad.TriggerConfig = json.RawMessage(`{"operator":"and","conditions":[]}`)
		assert.False(t, Evaluate(bad, tickCtx(105)).Fired)
	})
}

func TestEvaluateTrailingStop(t *testing.T) {
	rule := Rule{ID: "ts1", Enabled: true, TriggerType: TriggerTrailingStop,
		TriggerConfig:   json.RawMessage(`{"trail_percent":15,"initial_price":1000,"highest_price":1000}`),
		ActionType:      "place_order",
		ActionConfig:    json.RawMessage(`{"symbol":"RELIANCE","side":"SELL","quantity":5}`),
		InstrumentToken: "NSE_EQ|RELIANCE"}

	// New high: not fired, but the high-water mark is persisted.
	res := Evaluate(rule, tickCtx(1100))
	assert.False(t, res.Fired)
	require.NotNil(t, res.TriggerUpdate)

	var updated TrailingStopTrigger
	require.NoError(t, json.Unmarshal(res.TriggerUpdate, &updated))
	assert.Equal(t, 1100.0, updated.HighestPrice)
	assert.Equal(t, 15.0, updated.TrailPercent, "update is a full config replacement")

	// Daemon mirrors the update back onto the rule, then price retraces.
	rule.TriggerConfig = res.TriggerUpdate
	res = Evaluate(rule, tickCtx(935)) // 1100 * 0.85 = 935
	assert.True(t, res.Fired)
	assert.Nil(t, res.TriggerUpdate)

	t.Run("between stop and high does nothing", func(t *testing.T) {
		res := Evaluate(rule, tickCtx(1000))
		assert.False(t, res.Fired)
		assert.Nil(t, res.TriggerUpdate)
	})

	t.Run("seeds high from first tick when unset", func(t *testing.T) {
		seeded := rule
		seeded.TriggerConfig = json.RawMessage(`{"trail_percent":10}`)
		res := Evaluate(seeded, tickCtx(500))
		assert.False(t, res.Fired)
		require.NotNil(t, res.TriggerUpdate)
		var cfg TrailingStopTrigger
		require.NoError(t, json.Unmarshal(res.TriggerUpdate, &cfg))
		assert.Equal(t, 500.0, cfg.HighestPrice)
	})

	t.Run("degrades on bad trail percent", func(t *testing.T) {
		bad := rule
		bad.TriggerConfig = json.RawMessage(`{"trail_percent":0,"highest_price":1000}`)
		res := Evaluate(bad, tickCtx(1))
		assert.False(t, res.Fired)
		assert.Nil(t, res.TriggerUpdate)
	})
}

func TestIndicatorSpecs(t *testing.T) {
	ind := Rule{TriggerType: TriggerIndicator,
		TriggerConfig: json.RawMessage(`{"indicator":"sma","period":20,"timeframe":"15m"}`)}
	specs := IndicatorSpecs(ind)
	require.Len(t, specs, 1)
	assert.Equal(t, IndicatorSpec{Indicator: "sma", Period: 20, Timeframe: "15m"}, specs[0])

	compound := Rule{TriggerType: TriggerCompound, TriggerConfig: json.RawMessage(`{
		"operator":"and",
		"conditions":[
			{"type":"indicator","indicator":"rsi","period":14,"timeframe":"5m","condition":"gte","value":70},
			{"type":"price","condition":"gte","price":100}
		]
	}`)}
	specs = IndicatorSpecs(compound)
	require.Len(t, specs, 1)
	assert.Equal(t, "rsi", specs[0].Indicator)

	assert.Empty(t, IndicatorSpecs(priceRule(`{}`)))
}

func TestRequiredInstrument(t *testing.T) {
	r := priceRule(`{}`)
	token, ok := RequiredInstrument(r)
	assert.True(t, ok)
	assert.Equal(t, "NSE_EQ|RELIANCE", token)

	timeRule := Rule{TriggerType: TriggerTime, InstrumentToken: "NSE_EQ|X"}
	_, ok = RequiredInstrument(timeRule)
	assert.False(t, ok, "time rules subscribe nothing")

	orderRule := Rule{TriggerType: TriggerOrderStatus}
	_, ok = RequiredInstrument(orderRule)
	assert.False(t, ok)
}
