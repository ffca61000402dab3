package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/rules"
	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/upstox"
)

// PortfolioStream delivers order, position and holding updates for one
// user as decoded JSON events.
type PortfolioStream struct {
	base    *Stream
	log     zerolog.Logger
	onEvent func(rules.OrderUpdate)
}

// PortfolioConfig wires a portfolio stream for one user.
type PortfolioConfig struct {
	UserID       string
	AuthorizeURL string
	FeedKind     string
	UpdateTypes  string
	Token        func() (string, error)
	MaxBackoff   time.Duration
	HTTPClient   *http.Client
	Log          zerolog.Logger
	OnEvent      func(rules.OrderUpdate)
}

// NewPortfolioStream builds the stream without connecting.
func NewPortfolioStream(cfg PortfolioConfig) *PortfolioStream {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	log := cfg.Log.With().Str("user_id", cfg.UserID).Logger()

	p := &PortfolioStream{log: log, onEvent: cfg.OnEvent}
	p.base = &Stream{
		Name:       "portfolio",
		MaxBackoff: cfg.MaxBackoff,
		Log:        log,
		Dial: func(ctx context.Context) (*websocket.Conn, error) {
			token, err := cfg.Token()
			if err != nil {
				return nil, err
			}
			uri, err := upstox.AuthorizeFeed(ctx, cfg.HTTPClient, cfg.AuthorizeURL, cfg.FeedKind, token, cfg.UpdateTypes)
			if err != nil {
				return nil, err
			}
			dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
			conn, _, err := dialer.DialContext(ctx, uri, nil)
			return conn, err
		},
		Handle: p.handleMessage,
	}
	return p
}

func (p *PortfolioStream) Start(ctx context.Context) { p.base.Start(ctx) }
func (p *PortfolioStream) Stop()                     { p.base.Stop() }
func (p *PortfolioStream) Connected() bool           { return p.base.Connected() }

func (p *PortfolioStream) handleMessage(_ int, data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}")) {
		return
	}

	var update rules.OrderUpdate
	if err := json.Unmarshal(trimmed, &update); err != nil {
		p.log.Warn().Err(err).Msg("portfolio parse error")
		return
	}
	update.Raw = append(update.Raw[:0], trimmed...)

	if p.onEvent != nil {
		p.onEvent(update)
	}
}
