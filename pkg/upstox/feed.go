package upstox

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The market-data feed is a protobuf envelope mapping instrument keys to
// feed entries. Only the fields the monitor consumes are decoded here;
// unknown fields are skipped so vendor additions do not break decoding.
//
//	FeedResponse { 2: map<string, Feed> feeds }
//	Feed         { oneof: 1: LTPC  2: MarketFullFeed  3: IndexFullFeed }
//	LTPC         { 1: double ltp  2: int64 ltt  3: int64 ltq  4: double cp }
//	MarketFullFeed { 1: LTPC  2: OHLCList  3: int64 vtt  4: double oi }
//	IndexFullFeed  { 1: LTPC  2: OHLCList }
//	OHLCList     { 1: repeated OHLC }
//	OHLC         { 1: string interval  2..5: double o/h/l/c  6: int64 volume  7: int64 ts }

var ErrEmptyFeed = errors.New("feed envelope has no entries")

// DecodeFeed decodes a binary feed frame into normalized ticks keyed by
// instrument. An envelope with zero entries is an error so callers can
// skip dispatch.
func DecodeFeed(data []byte) (map[string]Tick, error) {
	ticks := make(map[string]Tick)

	if err := eachField(data, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if num != 2 || typ != protowire.BytesType {
			return nil
		}
		key, tick, err := decodeFeedEntry(val)
		if err != nil {
			return err
		}
		tick.InstrumentKey = key
		ticks[key] = tick
		return nil
	}); err != nil {
		return nil, err
	}

	if len(ticks) == 0 {
		return nil, ErrEmptyFeed
	}
	return ticks, nil
}

func decodeFeedEntry(data []byte) (string, Tick, error) {
	var key string
	var tick Tick

	err := eachField(data, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			key = string(val)
		case num == 2 && typ == protowire.BytesType:
			t, err := decodeFeed(val)
			if err != nil {
				return err
			}
			tick = t
		}
		return nil
	})
	if err != nil {
		return "", Tick{}, err
	}
	if key == "" {
		return "", Tick{}, fmt.Errorf("feed entry missing instrument key")
	}
	return key, tick, nil
}

func decodeFeed(data []byte) (Tick, error) {
	var tick Tick

	err := eachField(data, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1: // ltpc-only feed
			return decodeLTPC(val, &tick)
		case 2: // market full feed
			return decodeFullFeed(val, &tick, true)
		case 3: // index full feed (no volume/oi)
			return decodeFullFeed(val, &tick, false)
		}
		return nil
	})
	return tick, err
}

func decodeFullFeed(data []byte, tick *Tick, market bool) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch num {
		case 1:
			if typ == protowire.BytesType {
				return decodeLTPC(val, tick)
			}
		case 2:
			if typ == protowire.BytesType {
				return decodeOHLCList(val, tick)
			}
		case 3:
			if market && typ == protowire.VarintType {
				v, _ := protowire.ConsumeVarint(val)
				tick.Volume = int64(v)
			}
		case 4:
			if market && typ == protowire.Fixed64Type {
				v, _ := protowire.ConsumeFixed64(val)
				tick.OI = math.Float64frombits(v)
				tick.HasOI = true
			}
		}
		return nil
	})
}

func decodeLTPC(data []byte, tick *Tick) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch num {
		case 1:
			if typ == protowire.Fixed64Type {
				v, _ := protowire.ConsumeFixed64(val)
				tick.LTP = math.Float64frombits(v)
			}
		case 2:
			if typ == protowire.VarintType {
				v, _ := protowire.ConsumeVarint(val)
				tick.LTT = int64(v)
			}
		case 3:
			if typ == protowire.VarintType {
				v, _ := protowire.ConsumeVarint(val)
				tick.LTQ = int64(v)
			}
		case 4:
			if typ == protowire.Fixed64Type {
				v, _ := protowire.ConsumeFixed64(val)
				tick.Close = math.Float64frombits(v)
			}
		}
		return nil
	})
}

// decodeOHLCList picks the "1d" interval entry out of the OHLC list.
func decodeOHLCList(data []byte, tick *Tick) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if num != 1 || typ != protowire.BytesType {
			return nil
		}

		var interval string
		var open, high, low float64
		var volume int64
		err := eachField(val, func(n protowire.Number, t protowire.Type, v []byte) error {
			switch n {
			case 1:
				if t == protowire.BytesType {
					interval = string(v)
				}
			case 2:
				if t == protowire.Fixed64Type {
					bits, _ := protowire.ConsumeFixed64(v)
					open = math.Float64frombits(bits)
				}
			case 3:
				if t == protowire.Fixed64Type {
					bits, _ := protowire.ConsumeFixed64(v)
					high = math.Float64frombits(bits)
				}
			case 4:
				if t == protowire.Fixed64Type {
					bits, _ := protowire.ConsumeFixed64(v)
					low = math.Float64frombits(bits)
				}
			case 6:
				if t == protowire.VarintType {
					n, _ := protowire.ConsumeVarint(v)
					volume = int64(n)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if interval == "1d" {
			tick.HasOHLC = true
			tick.Open = open
			tick.High = high
			tick.Low = low
			if volume > 0 {
				tick.Volume = volume
			}
		}
		return nil
	})
}

// eachField walks one protobuf message, handing each field's payload to fn.
// For bytes fields val is the field body; for scalar fields val is the raw
// remainder so fn re-consumes with the matching Consume helper.
func eachField(data []byte, fn func(num protowire.Number, typ protowire.Type, val []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var val []byte
		var size int
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			val, size = v, m
		case protowire.VarintType:
			_, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			val, size = data[:m], m
		case protowire.Fixed64Type:
			_, m := protowire.ConsumeFixed64(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			val, size = data[:m], m
		case protowire.Fixed32Type:
			_, m := protowire.ConsumeFixed32(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			val, size = data[:m], m
		default:
			return fmt.Errorf("unsupported wire type %v", typ)
		}

		if err := fn(num, typ, val); err != nil {
			return err
		}
		data = data[size:]
	}
	return nil
}
