// Package candles aggregates ticks into fixed-timeframe OHLC candles.
package candles

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Candle is one OHLC bar. Closed candles are immutable once emitted.
type Candle struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Buffer accumulates ticks for one (instrument, timeframe). It holds the
// closed history plus at most one in-progress candle; a candle closes
// exactly when a tick's timestamp crosses the window boundary.
type Buffer struct {
	timeframe time.Duration
	maxClosed int

	closed  []Candle
	current *Candle
}

// NewBuffer creates a buffer for one timeframe, keeping at most maxClosed
// closed candles of history.
func NewBuffer(timeframe time.Duration, maxClosed int) *Buffer {
	if maxClosed <= 0 {
		maxClosed = 500
	}
	return &Buffer{timeframe: timeframe, maxClosed: maxClosed}
}

// Push feeds one tick into the buffer. When the tick starts a new window the
// previous in-progress candle is closed, appended to history and returned.
func (b *Buffer) Push(price float64, volume int64, ts time.Time) (Candle, bool) {
	start := ts.Truncate(b.timeframe)

	if b.current == nil {
		b.current = &Candle{Start: start, Open: price, High: price, Low: price, Close: price, Volume: volume}
		return Candle{}, false
	}

	if !start.Equal(b.current.Start) {
		done := *b.current
		b.closed = append(b.closed, done)
		if len(b.closed) > b.maxClosed {
			b.closed = b.closed[len(b.closed)-b.maxClosed:]
		}
		b.current = &Candle{Start: start, Open: price, High: price, Low: price, Close: price, Volume: volume}
		return done, true
	}

	c := b.current
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume += volume
	return Candle{}, false
}

// Closed returns the closed candle history, oldest first.
func (b *Buffer) Closed() []Candle {
	return b.closed
}

// Current returns a copy of the in-progress candle, if any.
func (b *Buffer) Current() (Candle, bool) {
	if b.current == nil {
		return Candle{}, false
	}
	return *b.current, true
}

// Timeframe returns the buffer's window size.
func (b *Buffer) Timeframe() time.Duration {
	return b.timeframe
}

var ErrBadTimeframe = errors.New("unrecognized timeframe")

// ParseTimeframe converts a timeframe label ("1m", "5m", "15m", "30m",
// "1h", "4h", "1d") into a duration.
func ParseTimeframe(label string) (time.Duration, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if len(label) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrBadTimeframe, label)
	}

	n, err := strconv.Atoi(label[:len(label)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadTimeframe, label)
	}

	switch label[len(label)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadTimeframe, label)
	}
}
