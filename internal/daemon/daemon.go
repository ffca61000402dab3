// Package daemon reconciles the rule store against running per-user
// sessions and drives rule evaluation off market ticks, portfolio events
// and the wall clock.
package daemon

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/rules"
	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/session"
	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/db"
)

// TokenResolver produces an access token for a user.
type TokenResolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
}

// ActionRunner executes a fired rule's action, reporting whether the fire
// was recorded.
type ActionRunner interface {
	Execute(ctx context.Context, rule rules.Rule, result rules.Result) bool
}

// event is one unit of work for the daemon loop. Exactly one field is set.
type event struct {
	tick      *session.TickEvent
	order     *session.OrderEvent
	poll      bool
	timeCheck bool
	snapshot  chan []UserStatus
}

// UserStatus describes one monitored user for the ops surface.
type UserStatus struct {
	session.Status
	Rules int `json:"rules"`
}

// Daemon owns all monitoring state. Every map below is touched only by the
// run loop goroutine; ticks, portfolio events and timer fires are
// serialized through one channel, which preserves per-user per-instrument
// arrival order.
type Daemon struct {
	db       *db.Database
	sessions *session.Manager
	tokens   TokenResolver
	exec     ActionRunner
	log      zerolog.Logger

	pollInterval time.Duration
	timeInterval time.Duration
	now          func() time.Time

	events chan event

	// run-loop state
	rulesByUser map[string][]*rules.Rule
	tokenByUser map[string]string

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Config wires a Daemon. SessionConfig's OnTick/OnOrder are overwritten;
// callers supply the stream factories.
type Config struct {
	DB            *db.Database
	Tokens        TokenResolver
	Executor      ActionRunner
	PollInterval  time.Duration
	TimeInterval  time.Duration
	SessionConfig session.ManagerConfig
	Log           zerolog.Logger
}

// New builds a Daemon and its session manager.
func New(cfg Config) *Daemon {
	d := &Daemon{
		db:           cfg.DB,
		tokens:       cfg.Tokens,
		exec:         cfg.Executor,
		log:          cfg.Log,
		pollInterval: cfg.PollInterval,
		timeInterval: cfg.TimeInterval,
		events:       make(chan event, 1024),
		rulesByUser:  make(map[string][]*rules.Rule),
		tokenByUser:  make(map[string]string),
		done:         make(chan struct{}),
	}
	if d.pollInterval <= 0 {
		d.pollInterval = 10 * time.Second
	}
	if d.timeInterval <= 0 {
		d.timeInterval = 30 * time.Second
	}
	d.now = time.Now

	sc := cfg.SessionConfig
	sc.OnTick = func(ev session.TickEvent) { d.events <- event{tick: &ev} }
	sc.OnOrder = func(ev session.OrderEvent) { d.events <- event{order: &ev} }
	d.sessions = session.NewManager(sc)
	return d
}

// Start launches the run loop and its timers. Idempotent.
func (d *Daemon) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		go d.run(ctx)
	})
}

// Stop shuts the loop down and tears down every session. Idempotent.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
			<-d.done
		}
		d.sessions.StopAll()
	})
}

// Snapshot reports every monitored user's session and rule state.
func (d *Daemon) Snapshot(ctx context.Context) []UserStatus {
	reply := make(chan []UserStatus, 1)
	select {
	case d.events <- event{snapshot: reply}:
	case <-ctx.Done():
		return nil
	}
	select {
	case statuses := <-reply:
		return statuses
	case <-ctx.Done():
		return nil
	}
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	pollTicker := time.NewTicker(d.pollInterval)
	defer pollTicker.Stop()
	timeTicker := time.NewTicker(d.timeInterval)
	defer timeTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pollTicker.C:
				select {
				case d.events <- event{poll: true}:
				case <-ctx.Done():
					return
				}
			case <-timeTicker.C:
				select {
				case d.events <- event{timeCheck: true}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	d.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			switch {
			case ev.poll:
				d.poll(ctx)
			case ev.timeCheck:
				d.checkTimeRules(ctx)
			case ev.tick != nil:
				d.onTick(ctx, *ev.tick)
			case ev.order != nil:
				d.onPortfolioEvent(ctx, *ev.order)
			case ev.snapshot != nil:
				ev.snapshot <- d.buildSnapshot()
			}
		}
	}
}

// poll reconciles desired state (active rules in the DB) against running
// sessions: start users that gained rules and a resolvable token, sync
// users whose rule set changed, stop users with no rules or a dead token.
func (d *Daemon) poll(ctx context.Context) {
	ruleRows, err := d.db.GetActiveRules(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("active rule query failed, keeping current state")
		return
	}

	desired := make(map[string][]*rules.Rule)
	for _, row := range ruleRows {
		r := rules.FromRow(row)
		desired[r.UserID] = append(desired[r.UserID], &r)
	}

	for userID := range d.rulesByUser {
		if _, ok := desired[userID]; !ok {
			d.log.Info().Str("user_id", userID).Msg("no active rules, stopping session")
			d.stopUser(userID)
		}
	}

	for userID, userRules := range desired {
		token, err := d.tokens.Resolve(ctx, userID)
		if err != nil {
			if _, running := d.rulesByUser[userID]; running {
				d.log.Warn().Err(err).Str("user_id", userID).Msg("token unresolvable, stopping session")
				d.stopUser(userID)
			} else {
				d.log.Warn().Err(err).Str("user_id", userID).Msg("token unresolvable, user stays absent")
			}
			continue
		}

		prev, running := d.rulesByUser[userID]
		switch {
		case !running:
			d.log.Info().Str("user_id", userID).Int("rules", len(userRules)).Msg("starting session")
			d.sessions.StartUser(ctx, userID, deref(userRules))
		case d.tokenByUser[userID] != token:
			// A changed token invalidates the authorized stream URLs.
			d.log.Info().Str("user_id", userID).Msg("token rotated, restarting session")
			d.sessions.StopUser(userID)
			d.sessions.StartUser(ctx, userID, deref(userRules))
		case rulesChanged(prev, userRules):
			d.log.Debug().Str("user_id", userID).Int("rules", len(userRules)).Msg("rule set changed, syncing")
			d.sessions.SyncRules(userID, deref(userRules))
		}

		d.rulesByUser[userID] = userRules
		d.tokenByUser[userID] = token
	}
}

func (d *Daemon) stopUser(userID string) {
	d.sessions.StopUser(userID)
	delete(d.rulesByUser, userID)
	delete(d.tokenByUser, userID)
}

// onTick evaluates the user's tick-driven rules whose instrument matches.
func (d *Daemon) onTick(ctx context.Context, ev session.TickEvent) {
	now := d.now()
	for _, r := range d.rulesByUser[ev.UserID] {
		token, ok := rules.RequiredInstrument(*r)
		if !ok || token != ev.Tick.InstrumentKey {
			continue
		}
		d.evaluateAndExecute(ctx, r, rules.Context{
			Tick:       &ev.Tick,
			Now:        now,
			Indicators: ev.Indicators,
		})
	}
}

// onPortfolioEvent evaluates the user's order_status rules.
func (d *Daemon) onPortfolioEvent(ctx context.Context, ev session.OrderEvent) {
	now := d.now()
	for _, r := range d.rulesByUser[ev.UserID] {
		if r.TriggerType != rules.TriggerOrderStatus {
			continue
		}
		d.evaluateAndExecute(ctx, r, rules.Context{Order: &ev.Update, Now: now})
	}
}

// checkTimeRules evaluates every time rule across all users.
func (d *Daemon) checkTimeRules(ctx context.Context) {
	now := d.now()
	for _, userRules := range d.rulesByUser {
		for _, r := range userRules {
			if r.TriggerType != rules.TriggerTime {
				continue
			}
			d.evaluateAndExecute(ctx, r, rules.Context{Now: now})
		}
	}
}

// evaluateAndExecute runs the pure evaluator, persists any trigger-config
// update (mirroring it in memory so stateful rules survive between ticks
// without a read per tick), and hands fired rules to the executor.
func (d *Daemon) evaluateAndExecute(ctx context.Context, r *rules.Rule, evalCtx rules.Context) {
	res := rules.Evaluate(*r, evalCtx)

	if res.TriggerUpdate != nil {
		if err := d.db.UpdateTriggerConfig(ctx, r.ID, string(res.TriggerUpdate)); err != nil {
			d.log.Warn().Err(err).Str("rule_id", r.ID).Msg("trigger update not persisted, will retry next event")
		}
		r.TriggerConfig = json.RawMessage(res.TriggerUpdate)
	}

	if !res.Fired {
		return
	}
	if d.exec.Execute(ctx, *r, res) {
		r.FireCount++
		now := d.now()
		r.FiredAt = &now
	}
}

func (d *Daemon) buildSnapshot() []UserStatus {
	statuses := d.sessions.Snapshot()
	out := make([]UserStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, UserStatus{Status: s, Rules: len(d.rulesByUser[s.UserID])})
	}
	return out
}

func deref(in []*rules.Rule) []rules.Rule {
	out := make([]rules.Rule, 0, len(in))
	for _, r := range in {
		out = append(out, *r)
	}
	return out
}

// rulesChanged reports whether the two rule sets differ in membership or
// any evaluated field. Trigger configs are compared too: a rule edited in
// the DB must reach the session's indicator bookkeeping.
func rulesChanged(prev, next []*rules.Rule) bool {
	if len(prev) != len(next) {
		return true
	}
	prevByID := make(map[string]*rules.Rule, len(prev))
	for _, r := range prev {
		prevByID[r.ID] = r
	}
	for _, n := range next {
		p, ok := prevByID[n.ID]
		if !ok {
			return true
		}
		if p.Enabled != n.Enabled ||
			p.TriggerType != n.TriggerType ||
			p.InstrumentToken != n.InstrumentToken ||
			string(p.TriggerConfig) != string(n.TriggerConfig) {
			return true
		}
	}
	return false
}
