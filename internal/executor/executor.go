// Package executor turns fired rules into vendor orders and records the
// fire bookkeeping. Failures stop here: the daemon's loops never see them.
package executor

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/rules"
	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/db"
	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/upstox"
)

// OrderPlacer is the slice of the trading client the executor needs.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req upstox.OrderRequest) (*upstox.OrderResponse, error)
}

// ClientFactory builds a trading client for a user. token is the resolved
// access token; paper selects simulated execution.
type ClientFactory func(token, userID string, paper bool) OrderPlacer

// TokenFunc resolves an access token for a user.
type TokenFunc func(ctx context.Context, userID string) (string, error)

// Executor submits fired rules' actions.
type Executor struct {
	db        *db.Database
	paper     bool
	token     TokenFunc
	newClient ClientFactory
	log       zerolog.Logger
}

// Config wires an Executor. NewClient may be nil, in which case the real
// vendor client is used.
type Config struct {
	DB        *db.Database
	Paper     bool
	BaseURL   string
	Token     TokenFunc
	NewClient ClientFactory
	Log       zerolog.Logger
}

// New builds an Executor.
func New(cfg Config) *Executor {
	if cfg.NewClient == nil {
		baseURL := cfg.BaseURL
		cfg.NewClient = func(token, userID string, paper bool) OrderPlacer {
			return upstox.NewClient(baseURL, token, userID, paper)
		}
	}
	return &Executor{
		db:        cfg.DB,
		paper:     cfg.Paper,
		token:     cfg.Token,
		newClient: cfg.NewClient,
		log:       cfg.Log,
	}
}

// actionConfig is the order payload carried on a rule.
type actionConfig struct {
	Symbol          string  `json:"symbol"`
	InstrumentToken string  `json:"instrument_token"`
	Side            string  `json:"side"`
	Quantity        int     `json:"quantity"`
	OrderType       string  `json:"order_type"`
	Product         string  `json:"product"`
	Price           float64 `json:"price"`
}

// Execute submits the fired rule's action and records the fire, reporting
// whether the fire was recorded. Every failure is logged and swallowed;
// the rule stays enabled and will be re-evaluated on the next qualifying
// event.
func (e *Executor) Execute(ctx context.Context, rule rules.Rule, result rules.Result) bool {
	log := e.log.With().Str("rule_id", rule.ID).Str("user_id", rule.UserID).Logger()

	if result.ActionType != "place_order" {
		log.Warn().Str("action_type", result.ActionType).Msg("unsupported action type")
		return false
	}

	var action actionConfig
	if err := json.Unmarshal(result.ActionConfig, &action); err != nil {
		log.Error().Err(err).Msg("malformed action config")
		return false
	}
	if action.Quantity <= 0 {
		log.Error().Int("quantity", action.Quantity).Msg("action config missing quantity")
		return false
	}

	req := upstox.OrderRequest{
		InstrumentToken: action.InstrumentToken,
		Symbol:          action.Symbol,
		TransactionType: strings.ToUpper(action.Side),
		Quantity:        action.Quantity,
		OrderType:       action.OrderType,
		Product:         action.Product,
		Price:           action.Price,
	}
	if req.InstrumentToken == "" {
		req.InstrumentToken = rule.InstrumentToken
	}
	if req.OrderType == "" {
		req.OrderType = "MARKET"
	}
	if req.Product == "" {
		req.Product = "D"
	}

	token, err := e.token(ctx, rule.UserID)
	if err != nil {
		log.Error().Err(err).Msg("token resolution failed, action dropped")
		return false
	}

	client := e.newClient(token, rule.UserID, e.paper)
	resp, err := client.PlaceOrder(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("instrument", req.InstrumentToken).Msg("order placement failed")
		return false
	}

	if err := e.db.RecordFire(ctx, rule.ID, resp.OrderID, action.Price); err != nil {
		log.Error().Err(err).Str("order_id", resp.OrderID).Msg("fire bookkeeping failed")
		return false
	}

	log.Info().
		Str("order_id", resp.OrderID).
		Str("instrument", req.InstrumentToken).
		Str("side", req.TransactionType).
		Int("quantity", req.Quantity).
		Bool("paper", e.paper).
		Msg("rule fired, order placed")
	return true
}
