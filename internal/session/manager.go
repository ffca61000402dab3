package session

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/candles"
	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/rules"
	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/upstox"
)

// MarketStream is the market-data feed surface a session drives.
type MarketStream interface {
	Start(ctx context.Context)
	Stop()
	Connected() bool
	Subscribe(keys []string) error
	Unsubscribe(keys []string) error
}

// PortfolioFeed is the portfolio stream surface a session drives.
type PortfolioFeed interface {
	Start(ctx context.Context)
	Stop()
	Connected() bool
}

// MarketFactory builds the market-data stream for one user. onTick receives
// every decoded tick.
type MarketFactory func(userID string, onTick func(upstox.Tick)) MarketStream

// PortfolioFactory builds the portfolio stream for one user.
type PortfolioFactory func(userID string, onEvent func(rules.OrderUpdate)) PortfolioFeed

// Manager starts and stops per-user sessions and fans their events into
// the daemon's callbacks. Stream construction is injected so the daemon
// wires real websockets and tests wire fakes.
type Manager struct {
	newMarket    MarketFactory
	newPortfolio PortfolioFactory
	onTick       func(TickEvent)
	onOrder      func(OrderEvent)
	maxClosed    int
	log          zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	NewMarket     MarketFactory
	NewPortfolio  PortfolioFactory
	OnTick        func(TickEvent)
	OnOrder       func(OrderEvent)
	CandleHistory int
	Log           zerolog.Logger
}

// NewManager builds a Manager with no running sessions.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.CandleHistory <= 0 {
		cfg.CandleHistory = 500
	}
	return &Manager{
		newMarket:    cfg.NewMarket,
		newPortfolio: cfg.NewPortfolio,
		onTick:       cfg.OnTick,
		onOrder:      cfg.OnOrder,
		maxClosed:    cfg.CandleHistory,
		log:          cfg.Log,
		sessions:     make(map[string]*session),
	}
}

// StartUser opens both streams for userID and subscribes the instruments
// the given rules need. Starting an already-running user only syncs rules.
func (m *Manager) StartUser(ctx context.Context, userID string, ruleSet []rules.Rule) {
	m.mu.Lock()
	if _, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		m.SyncRules(userID, ruleSet)
		return
	}

	s := &session{
		userID:      userID,
		log:         m.log.With().Str("user_id", userID).Logger(),
		maxClosed:   m.maxClosed,
		instruments: make(map[string]struct{}),
		specs:       make(map[string][]rules.IndicatorSpec),
		buffers:     make(map[string]map[string]*candles.Buffer),
		values:      make(map[string]map[string]float64),
		prevPrices:  make(map[string]float64),
	}
	s.market = m.newMarket(userID, func(tick upstox.Tick) {
		ev := s.handleTick(tick)
		if m.onTick != nil {
			m.onTick(ev)
		}
	})
	s.portfolio = m.newPortfolio(userID, func(update rules.OrderUpdate) {
		if m.onOrder != nil {
			m.onOrder(OrderEvent{UserID: userID, Update: update})
		}
	})
	m.sessions[userID] = s
	m.mu.Unlock()

	added, _ := s.setRules(ruleSet)
	s.market.Start(ctx)
	s.portfolio.Start(ctx)
	if len(added) > 0 {
		if err := s.market.Subscribe(added); err != nil {
			s.log.Warn().Err(err).Msg("initial subscribe failed")
		}
	}
	s.log.Info().Int("instruments", len(added)).Msg("session started")
}

// SyncRules reconciles a running session's subscriptions against ruleSet,
// sending only the delta. Unknown users are ignored.
func (m *Manager) SyncRules(userID string, ruleSet []rules.Rule) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return
	}

	added, removed := s.setRules(ruleSet)
	if len(added) > 0 {
		if err := s.market.Subscribe(added); err != nil {
			s.log.Warn().Err(err).Msg("subscribe failed")
		}
	}
	if len(removed) > 0 {
		if err := s.market.Unsubscribe(removed); err != nil {
			s.log.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
}

// StopUser tears down both streams for userID.
func (m *Manager) StopUser(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.market.Stop()
	s.portfolio.Stop()
	s.log.Info().Msg("session stopped")
}

// StopAll tears down every session.
func (m *Manager) StopAll() {
	for _, userID := range m.ActiveUsers() {
		m.StopUser(userID)
	}
}

// ActiveUsers lists user IDs with a running session, sorted.
func (m *Manager) ActiveUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.sessions))
	for userID := range m.sessions {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// Status describes one session for the ops surface.
type Status struct {
	UserID             string `json:"user_id"`
	MarketConnected    bool   `json:"market_connected"`
	PortfolioConnected bool   `json:"portfolio_connected"`
	Instruments        int    `json:"instruments"`
}

// Snapshot reports the state of every running session, sorted by user.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Status{
			UserID:             s.userID,
			MarketConnected:    s.market.Connected(),
			PortfolioConnected: s.portfolio.Connected(),
			Instruments:        s.instrumentCount(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// InstrumentsFromRules lists the distinct instrument tokens a rule set
// needs subscribed, sorted.
func InstrumentsFromRules(ruleSet []rules.Rule) []string {
	seen := make(map[string]struct{})
	for _, r := range ruleSet {
		if token, ok := rules.RequiredInstrument(r); ok {
			seen[token] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for token := range seen {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}
