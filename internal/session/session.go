// Package session owns the per-user monitoring state: which instruments a
// user's streams watch, the candle buffers behind indicator rules, and the
// most recent indicator values.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/candles"
	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/indicators"
	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/rules"
	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/upstox"
)

// TickEvent is one market tick enriched with the session state the
// evaluator needs: the previous price for the instrument and the current
// indicator values keyed by rules.IndicatorKey.
type TickEvent struct {
	UserID     string
	Tick       upstox.Tick
	PrevPrice  float64
	HasPrev    bool
	Indicators map[string]float64
}

// OrderEvent is one portfolio update attributed to its user.
type OrderEvent struct {
	UserID string
	Update rules.OrderUpdate
}

// session tracks one user's streams and derived market state. All maps are
// guarded by mu: ticks arrive on the stream goroutine while rule syncs
// come from the daemon.
type session struct {
	userID    string
	market    MarketStream
	portfolio PortfolioFeed
	log       zerolog.Logger

	maxClosed int

	mu          sync.Mutex
	instruments map[string]struct{}
	specs       map[string][]rules.IndicatorSpec        // instrument -> indicator needs
	buffers     map[string]map[string]*candles.Buffer   // instrument -> timeframe -> buffer
	values      map[string]map[string]float64           // instrument -> indicator key -> value
	prevPrices  map[string]float64
}

// handleTick folds one tick into the candle buffers, recomputes indicators
// for any candle that just closed, and returns the enriched event. The
// previous price reported is the one seen before this tick.
func (s *session) handleTick(tick upstox.Tick) TickEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := TickEvent{UserID: s.userID, Tick: tick}
	key := tick.InstrumentKey

	if prev, ok := s.prevPrices[key]; ok {
		ev.PrevPrice = prev
		ev.HasPrev = true
	}
	s.prevPrices[key] = tick.LTP

	ts := time.Now()
	if tick.LTT > 0 {
		ts = time.UnixMilli(tick.LTT)
	}

	for tf, buf := range s.buffers[key] {
		if _, closed := buf.Push(tick.LTP, tick.LTQ, ts); closed {
			s.recomputeLocked(key, tf, buf)
		}
	}

	if vals := s.values[key]; len(vals) > 0 {
		ev.Indicators = make(map[string]float64, len(vals))
		for k, v := range vals {
			ev.Indicators[k] = v
		}
	}
	return ev
}

// recomputeLocked refreshes every indicator bound to the timeframe whose
// candle just closed. Buffers are keyed by the timeframe spelling used in
// rule configs, so matching is a string compare.
func (s *session) recomputeLocked(instrument, timeframe string, buf *candles.Buffer) {
	closed := buf.Closed()
	for _, spec := range s.specs[instrument] {
		if spec.Timeframe != timeframe {
			continue
		}
		val, ok := indicators.Compute(spec.Indicator, spec.Period, closed)
		if !ok {
			continue
		}
		if s.values[instrument] == nil {
			s.values[instrument] = make(map[string]float64)
		}
		s.values[instrument][rules.IndicatorKey(spec.Indicator, spec.Timeframe)] = val
	}
}

// setRules replaces the session's instrument and indicator bookkeeping,
// returning the subscription delta.
func (s *session) setRules(ruleSet []rules.Rule) (added, removed []string) {
	want := make(map[string]struct{})
	specs := make(map[string][]rules.IndicatorSpec)
	for _, r := range ruleSet {
		token, ok := rules.RequiredInstrument(r)
		if !ok {
			continue
		}
		want[token] = struct{}{}
		specs[token] = append(specs[token], rules.IndicatorSpecs(r)...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for token := range want {
		if _, ok := s.instruments[token]; !ok {
			added = append(added, token)
		}
	}
	for token := range s.instruments {
		if _, ok := want[token]; !ok {
			removed = append(removed, token)
			delete(s.buffers, token)
			delete(s.values, token)
			delete(s.prevPrices, token)
		}
	}

	s.instruments = want
	s.specs = specs

	// Drop buffers and values whose (instrument, timeframe) is no longer
	// referenced by any indicator rule.
	for token, byTF := range s.buffers {
		needed := make(map[string]struct{})
		for _, spec := range specs[token] {
			needed[spec.Timeframe] = struct{}{}
		}
		for tf := range byTF {
			if _, ok := needed[tf]; !ok {
				delete(byTF, tf)
			}
		}
	}
	for token, vals := range s.values {
		valid := make(map[string]struct{})
		for _, spec := range specs[token] {
			valid[rules.IndicatorKey(spec.Indicator, spec.Timeframe)] = struct{}{}
		}
		for k := range vals {
			if _, ok := valid[k]; !ok {
				delete(vals, k)
			}
		}
	}

	// Ensure a buffer exists for every timeframe an indicator needs.
	for token, tokenSpecs := range specs {
		for _, spec := range tokenSpecs {
			tf, err := candles.ParseTimeframe(spec.Timeframe)
			if err != nil {
				s.log.Warn().Str("timeframe", spec.Timeframe).Str("instrument", token).Msg("unknown timeframe, indicator skipped")
				continue
			}
			if s.buffers[token] == nil {
				s.buffers[token] = make(map[string]*candles.Buffer)
			}
			if _, ok := s.buffers[token][spec.Timeframe]; !ok {
				s.buffers[token][spec.Timeframe] = candles.NewBuffer(tf, s.maxClosed)
			}
		}
	}
	return added, removed
}

func (s *session) instrumentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instruments)
}
