package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/upstox"
)

// MarketDataStream is the binary tick feed for one user. Subscriptions are
// tracked locally and replayed in full after every reconnect, so callers
// only ever express the delta they want.
type MarketDataStream struct {
	base   *Stream
	log    zerolog.Logger
	onTick func(upstox.Tick)

	mu         sync.Mutex
	mode       string
	subscribed map[string]struct{}
}

// MarketDataConfig wires a market-data stream for one user.
type MarketDataConfig struct {
	UserID       string
	AuthorizeURL string
	FeedKind     string
	Token        func() (string, error) // resolved per dial; tokens rotate
	Mode         string                 // "ltpc" or "full"
	MaxBackoff   time.Duration
	HTTPClient   *http.Client
	Log          zerolog.Logger
	OnTick       func(upstox.Tick)
}

// NewMarketDataStream builds the stream without connecting.
func NewMarketDataStream(cfg MarketDataConfig) *MarketDataStream {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	log := cfg.Log.With().Str("user_id", cfg.UserID).Logger()

	m := &MarketDataStream{
		log:        log,
		mode:       cfg.Mode,
		onTick:     cfg.OnTick,
		subscribed: make(map[string]struct{}),
	}
	m.base = &Stream{
		Name:       "market-data",
		MaxBackoff: cfg.MaxBackoff,
		Log:        log,
		Dial: func(ctx context.Context) (*websocket.Conn, error) {
			token, err := cfg.Token()
			if err != nil {
				return nil, err
			}
			uri, err := upstox.AuthorizeFeed(ctx, cfg.HTTPClient, cfg.AuthorizeURL, cfg.FeedKind, token, "")
			if err != nil {
				return nil, err
			}
			dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
			conn, _, err := dialer.DialContext(ctx, uri, nil)
			return conn, err
		},
		Handle:      m.handleMessage,
		OnConnected: m.resubscribe,
	}
	return m
}

func (m *MarketDataStream) Start(ctx context.Context) { m.base.Start(ctx) }
func (m *MarketDataStream) Stop()                     { m.base.Stop() }
func (m *MarketDataStream) Connected() bool           { return m.base.Connected() }

// SubscribedKeys returns a snapshot of the tracked instrument keys.
func (m *MarketDataStream) SubscribedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.subscribed))
	for k := range m.subscribed {
		keys = append(keys, k)
	}
	return keys
}

// Subscribe adds instrument keys to the feed. Keys already subscribed are
// skipped; an empty delta sends nothing.
func (m *MarketDataStream) Subscribe(keys []string) error {
	m.mu.Lock()
	var added []string
	for _, k := range keys {
		if _, ok := m.subscribed[k]; !ok {
			m.subscribed[k] = struct{}{}
			added = append(added, k)
		}
	}
	mode := m.mode
	m.mu.Unlock()

	if len(added) == 0 {
		return nil
	}
	return m.sendRequest("sub", mode, added)
}

// Unsubscribe removes instrument keys from the feed.
func (m *MarketDataStream) Unsubscribe(keys []string) error {
	m.mu.Lock()
	var removed []string
	for _, k := range keys {
		if _, ok := m.subscribed[k]; ok {
			delete(m.subscribed, k)
			removed = append(removed, k)
		}
	}
	mode := m.mode
	m.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	return m.sendRequest("unsub", mode, removed)
}

// ChangeMode switches the feed detail level for everything subscribed.
func (m *MarketDataStream) ChangeMode(mode string) error {
	m.mu.Lock()
	m.mode = mode
	keys := make([]string, 0, len(m.subscribed))
	for k := range m.subscribed {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	return m.sendRequest("change_mode", mode, keys)
}

// resubscribe replays the full subscription set after a reconnect.
func (m *MarketDataStream) resubscribe() {
	m.mu.Lock()
	mode := m.mode
	keys := make([]string, 0, len(m.subscribed))
	for k := range m.subscribed {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	if len(keys) == 0 {
		return
	}
	if err := m.sendRequest("sub", mode, keys); err != nil {
		m.log.Warn().Err(err).Msg("resubscribe failed")
	}
}

type feedRequest struct {
	GUID   string          `json:"guid"`
	Method string          `json:"method"`
	Data   feedRequestData `json:"data"`
}

type feedRequestData struct {
	Mode           string   `json:"mode"`
	InstrumentKeys []string `json:"instrumentKeys"`
}

// sendRequest writes one control frame. The vendor expects UTF-8 JSON
// carried as a binary frame.
func (m *MarketDataStream) sendRequest(method, mode string, keys []string) error {
	payload, err := json.Marshal(feedRequest{
		GUID:   uuid.NewString(),
		Method: method,
		Data:   feedRequestData{Mode: mode, InstrumentKeys: keys},
	})
	if err != nil {
		return err
	}
	return m.base.Send(websocket.BinaryMessage, payload)
}

func (m *MarketDataStream) handleMessage(messageType int, data []byte) {
	if messageType != websocket.BinaryMessage {
		// Text frames are connection acks and market-info notices.
		m.log.Debug().Int("bytes", len(data)).Msg("skipping text frame")
		return
	}
	ticks, err := upstox.DecodeFeed(data)
	if err != nil {
		if errors.Is(err, upstox.ErrEmptyFeed) {
			return
		}
		m.log.Warn().Err(err).Msg("feed decode error")
		return
	}
	if m.onTick == nil {
		return
	}
	for _, tick := range ticks {
		m.onTick(tick)
	}
}
