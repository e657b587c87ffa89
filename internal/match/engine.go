package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"duel/internal/market"
	"duel/internal/session"
	"duel/internal/tick"
)

// playerState is one participant's running position inside an active match
type playerState struct {
	id                string
	cash              int64
	position          int64
	avgCost           int64
	startEquity       int64
	peakEquity        int64
	maxDrawdown       int64
	totalActions      int
	profitableActions int
}

func (p *playerState) equity(price int64) int64 {
	return p.cash + p.position*price
}

// markEquity updates the peak and drawdown trackers at the given price
func (p *playerState) markEquity(price int64) {
	eq := p.equity(price)
	if eq > p.peakEquity {
		p.peakEquity = eq
	}
	if dd := p.peakEquity - eq; dd > p.maxDrawdown {
		p.maxDrawdown = dd
	}
}

// liveMatch is the engine-owned in-memory state of one ACTIVE match. Its
// mutex serializes every mutating path for the match: actions, ticks and
// the terminal transition.
type liveMatch struct {
	mu      sync.Mutex
	m       *Match
	bars    []market.Bar
	players map[string]*playerState
}

func (lm *liveMatch) lastClose() int64 {
	if len(lm.bars) == 0 {
		return 0
	}
	return lm.bars[len(lm.bars)-1].Close
}

// Engine is the match orchestrator. It owns the lifecycle state machine,
// drives the tick scheduler and session registry as side effects, and
// leans on the store's conditional updates for the transitions that must
// be decided at the durable layer.
type Engine struct {
	mu   sync.RWMutex
	live map[string]*liveMatch

	store    Store
	pricer   BarSource
	pub      Publisher
	sessions *session.Registry
	ticker   *tick.Scheduler
	score    ScoreFunc
	config   Config
	log      *zap.Logger
}

// NewEngine creates an engine and starts its tick scheduler
func NewEngine(store Store, pricer BarSource, pub Publisher, sessions *session.Registry,
	score ScoreFunc, config Config, tickConfig tick.Config, log *zap.Logger) *Engine {
	if score == nil {
		score = DefaultScore
	}
	e := &Engine{
		live:     make(map[string]*liveMatch),
		store:    store,
		pricer:   pricer,
		pub:      pub,
		sessions: sessions,
		score:    score,
		config:   config,
		log:      log.Named("match"),
	}
	e.ticker = tick.NewScheduler(tickConfig, log, e.runTick)
	return e
}

// Close stops the tick scheduler
func (e *Engine) Close() {
	e.ticker.Stop()
}

// Sessions returns the registry the engine consults on disconnects
func (e *Engine) Sessions() *session.Registry {
	return e.sessions
}

// Create opens a new WAITING match. durationBars <= 0 uses the default.
func (e *Engine) Create(ctx context.Context, creatorID, symbol string, durationBars int) (*Match, error) {
	if durationBars <= 0 {
		durationBars = e.config.DurationBars
	}

	m := &Match{
		ID:           uuid.NewString(),
		Status:       StatusWaiting,
		CreatorID:    creatorID,
		Symbol:       symbol,
		DurationBars: durationBars,
		TickInterval: e.config.TickInterval,
		CreatedAt:    time.Now().UTC(),
	}

	if err := e.store.CreateMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("create match: %w", err)
	}

	e.log.Info("match created",
		zap.String("match_id", m.ID),
		zap.String("creator_id", creatorID),
		zap.String("symbol", symbol))
	e.publish(ctx, "matches", map[string]any{
		"type":     "match_created",
		"match_id": m.ID,
		"creator":  creatorID,
		"symbol":   symbol,
	})

	out := *m
	return &out, nil
}

// Join admits an opponent into a WAITING match and activates it. The
// authoritative check is the store's conditional update: exactly one of
// two racing joins sees a nonzero affected-row count; the other gets
// ErrRaceLost and should try a different match.
func (e *Engine) Join(ctx context.Context, matchID, opponentID string) (*Match, error) {
	m, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.CreatorID == opponentID {
		return nil, &ValidationError{MatchID: matchID, ParticipantID: opponentID, Reason: "cannot join own match"}
	}

	startedAt := time.Now().UTC()
	rows, err := e.store.ActivateMatch(ctx, matchID, opponentID, startedAt)
	if err != nil {
		return nil, fmt.Errorf("activate match %s: %w", matchID, err)
	}
	if rows == 0 {
		m, err = e.store.GetMatch(ctx, matchID)
		if err != nil {
			return nil, err
		}
		if m.Status.Terminal() {
			return nil, &InvalidStateError{MatchID: matchID, Current: m.Status, Expected: StatusWaiting, Op: "join"}
		}
		return nil, fmt.Errorf("join match %s: %w", matchID, ErrRaceLost)
	}

	m.Status = StatusActive
	m.OpponentID = opponentID
	m.StartedAt = startedAt

	lm := &liveMatch{
		m:       m,
		players: make(map[string]*playerState, 2),
	}
	for _, id := range []string{m.CreatorID, m.OpponentID} {
		lm.players[id] = &playerState{
			id:          id,
			cash:        e.config.StartCash,
			startEquity: e.config.StartCash,
			peakEquity:  e.config.StartCash,
		}
	}

	e.mu.Lock()
	e.live[matchID] = lm
	e.mu.Unlock()

	e.ticker.StartTicking(matchID, m.TickInterval)

	e.log.Info("match started",
		zap.String("match_id", matchID),
		zap.String("creator_id", m.CreatorID),
		zap.String("opponent_id", opponentID))
	e.publish(ctx, "matches", map[string]any{
		"type":     "match_started",
		"match_id": matchID,
		"creator":  m.CreatorID,
		"opponent": opponentID,
		"symbol":   m.Symbol,
		"bars":     m.DurationBars,
	})

	out := *m
	return &out, nil
}

// RecordAction applies a buy or sell for a participant at the current bar
// price. The per-match lock serializes it against ticks, other actions and
// the terminal transition, so two concurrent actions can never observe the
// same stale balance.
func (e *Engine) RecordAction(ctx context.Context, matchID, participantID string, action Action) (*ActionAck, error) {
	lm, err := e.liveOrStatus(ctx, matchID, "action")
	if err != nil {
		return nil, err
	}

	ack, err := lm.apply(participantID, action)
	if err != nil {
		return nil, err
	}

	e.publish(ctx, matchTopic(matchID), map[string]any{
		"type":   "action",
		"action": ack,
	})

	return ack, nil
}

// apply validates and executes one action under the match lock. Broadcast
// happens in the caller, after the lock is released.
func (lm *liveMatch) apply(participantID string, action Action) (*ActionAck, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	matchID := lm.m.ID
	if lm.m.Status != StatusActive {
		return nil, &InvalidStateError{MatchID: matchID, Current: lm.m.Status, Expected: StatusActive, Op: "action"}
	}

	p, ok := lm.players[participantID]
	if !ok {
		return nil, &ValidationError{MatchID: matchID, ParticipantID: participantID, Reason: "not a participant"}
	}

	price := lm.lastClose()
	if price == 0 {
		return nil, &ValidationError{MatchID: matchID, ParticipantID: participantID, Reason: "no bar data yet"}
	}
	if action.Quantity <= 0 {
		return nil, &ValidationError{MatchID: matchID, ParticipantID: participantID, Reason: "quantity must be positive"}
	}

	switch action.Side {
	case "buy":
		// Divide-side check: quantity*price can wrap int64 and sneak a
		// negative cost past a direct comparison with cash.
		if action.Quantity > p.cash/price {
			return nil, &ValidationError{MatchID: matchID, ParticipantID: participantID, Reason: "insufficient funds"}
		}
		cost := action.Quantity * price
		p.avgCost = (p.avgCost*p.position + price*action.Quantity) / (p.position + action.Quantity)
		p.position += action.Quantity
		p.cash -= cost
	case "sell":
		if action.Quantity > p.position {
			return nil, &ValidationError{MatchID: matchID, ParticipantID: participantID, Reason: "insufficient position"}
		}
		if price > p.avgCost {
			p.profitableActions++
		}
		p.position -= action.Quantity
		p.cash += action.Quantity * price
		if p.position == 0 {
			p.avgCost = 0
		}
	default:
		return nil, &ValidationError{MatchID: matchID, ParticipantID: participantID, Reason: "unknown side " + action.Side}
	}

	p.totalActions++
	p.markEquity(price)

	ack := &ActionAck{
		MatchID:       matchID,
		ParticipantID: participantID,
		Side:          action.Side,
		Quantity:      action.Quantity,
		Price:         price,
		Cash:          p.cash,
		Position:      p.position,
		Equity:        p.equity(price),
		BarIndex:      lm.m.BarIndex,
	}

	return ack, nil
}

// End transitions an ACTIVE match to its terminal state, scores both
// participants and persists the outcome. Calling End on an already
// terminal match is a no-op that returns the existing record: the
// duration-expiry and disconnect paths race to call it, and the first one
// in wins.
func (e *Engine) End(ctx context.Context, matchID string, reason EndReason) (*Match, []Result, error) {
	return e.end(ctx, matchID, reason, "")
}

// Abandon ends a match because a participant left; the remaining
// participant is recorded as the winner and notified.
func (e *Engine) Abandon(ctx context.Context, matchID, departingID string) (*Match, []Result, error) {
	return e.end(ctx, matchID, ReasonAbandoned, departingID)
}

func (e *Engine) end(ctx context.Context, matchID string, reason EndReason, departingID string) (*Match, []Result, error) {
	e.mu.RLock()
	lm := e.live[matchID]
	e.mu.RUnlock()

	if lm == nil {
		return e.endDetached(ctx, matchID, reason)
	}

	lm.mu.Lock()

	// Already-terminal guard inside the same critical section as the
	// transition write: two racing callers cannot both finalize.
	if lm.m.Status.Terminal() {
		out := *lm.m
		lm.mu.Unlock()
		e.log.Info("end on terminal match is a no-op",
			zap.String("match_id", matchID),
			zap.String("status", out.Status.String()))
		return &out, nil, nil
	}

	price := lm.lastClose()

	m := lm.m
	if reason == ReasonCompleted {
		m.Status = StatusFinished
	} else {
		m.Status = StatusAbandoned
	}
	m.EndReason = reason
	m.EndedAt = time.Now().UTC()
	m.BarIndex = len(lm.bars)

	results := e.buildResults(lm, price, departingID)

	rows, err := e.store.FinalizeMatch(ctx, m, results)
	if err != nil {
		// Leave the in-memory state intact so a retry can finalize.
		m.Status = StatusActive
		m.EndReason = ""
		lm.mu.Unlock()
		return nil, nil, fmt.Errorf("finalize match %s: %w", matchID, err)
	}
	if rows == 0 {
		// Another process finalized first; adopt its record.
		stored, err := e.store.GetMatch(ctx, matchID)
		if err != nil {
			lm.mu.Unlock()
			return nil, nil, err
		}
		*m = *stored
		results = nil
	}

	out := *m
	lm.mu.Unlock()

	e.mu.Lock()
	delete(e.live, matchID)
	e.mu.Unlock()

	e.teardown(ctx, &out, results, reason)
	return &out, results, nil
}

// endDetached finalizes a match this process holds no live state for.
// After a restart the store can still report the match ACTIVE while its
// bar series and player state died with the previous process; the durable
// record is the source of truth, so the transition must still commit.
// With no player state there is nothing to score: no results are written.
func (e *Engine) endDetached(ctx context.Context, matchID string, reason EndReason) (*Match, []Result, error) {
	m, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, nil, err
	}
	if m.Status.Terminal() {
		e.log.Info("end on terminal match is a no-op",
			zap.String("match_id", matchID),
			zap.String("status", m.Status.String()))
		return m, nil, nil
	}
	if m.Status != StatusActive {
		return nil, nil, &InvalidStateError{MatchID: matchID, Current: m.Status, Expected: StatusActive, Op: "end"}
	}

	if reason == ReasonCompleted {
		m.Status = StatusFinished
	} else {
		m.Status = StatusAbandoned
	}
	m.EndReason = reason
	m.EndedAt = time.Now().UTC()

	rows, err := e.store.FinalizeMatch(ctx, m, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("finalize match %s: %w", matchID, err)
	}
	if rows == 0 {
		stored, err := e.store.GetMatch(ctx, matchID)
		if err != nil {
			return nil, nil, err
		}
		m = stored
	}

	e.teardown(ctx, m, nil, reason)
	return m, nil, nil
}

// teardown releases per-match resources and announces the terminal state.
// Runs outside every lock: the broadcast may be network I/O.
func (e *Engine) teardown(ctx context.Context, m *Match, results []Result, reason EndReason) {
	e.ticker.StopTicking(m.ID)
	e.sessions.UnbindMatch(m.ID)
	if f, ok := e.pricer.(interface{ Forget(string) }); ok {
		f.Forget(m.ID)
	}

	e.log.Info("match ended",
		zap.String("match_id", m.ID),
		zap.String("status", m.Status.String()),
		zap.String("reason", string(reason)),
		zap.Int("bars", m.BarIndex))
	event := endedEvent(m, results)
	e.publish(ctx, "matches", event)
	e.publish(ctx, matchTopic(m.ID), event)
}

// Reconcile finalizes matches the store reports ACTIVE but this process
// holds no live state for. Run at startup: a crash mid-match orphans the
// ACTIVE row, and nothing else would ever end it. Returns the number of
// matches abandoned.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	active, err := e.store.ActiveMatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active matches: %w", err)
	}

	recovered := 0
	for i := range active {
		id := active[i].ID
		e.mu.RLock()
		_, live := e.live[id]
		e.mu.RUnlock()
		if live {
			continue
		}
		if _, _, err := e.Abandon(ctx, id, ""); err != nil {
			return recovered, fmt.Errorf("reconcile match %s: %w", id, err)
		}
		recovered++
	}
	return recovered, nil
}

func (e *Engine) buildResults(lm *liveMatch, price int64, departingID string) []Result {
	results := make([]Result, 0, len(lm.players))
	var best int64
	for _, p := range lm.players {
		if eq := p.equity(price); eq > best {
			best = eq
		}
	}
	for _, p := range lm.players {
		final := p.equity(price)
		won := final == best
		if departingID != "" {
			won = p.id != departingID
		}
		results = append(results, Result{
			MatchID:           lm.m.ID,
			ParticipantID:     p.id,
			StartEquity:       p.startEquity,
			FinalEquity:       final,
			MaxDrawdown:       p.maxDrawdown,
			TotalActions:      p.totalActions,
			ProfitableActions: p.profitableActions,
			Score:             e.score(final, p.startEquity, p.maxDrawdown, p.totalActions, p.profitableActions),
			Won:               won,
		})
	}
	return results
}

func endedEvent(m *Match, results []Result) map[string]any {
	outcomes := make([]map[string]any, 0, len(results))
	for _, r := range results {
		outcomes = append(outcomes, map[string]any{
			"participant":  r.ParticipantID,
			"start_equity": r.StartEquity,
			"final_equity": r.FinalEquity,
			"score":        r.Score,
			"won":          r.Won,
		})
	}
	return map[string]any{
		"type":     "match_ended",
		"match_id": m.ID,
		"status":   m.Status.String(),
		"reason":   string(m.EndReason),
		"outcomes": outcomes,
	}
}

// runTick advances one match by one bar. It is the scheduler's TickFunc:
// errors are logged by the scheduler and do not stop future firings, and
// done=true cancels the task.
func (e *Engine) runTick(ctx context.Context, matchID string) (bool, error) {
	e.mu.RLock()
	lm := e.live[matchID]
	e.mu.RUnlock()

	if lm == nil {
		// Stale task for a match this engine no longer owns.
		return true, nil
	}

	lm.mu.Lock()

	if lm.m.Status != StatusActive {
		lm.mu.Unlock()
		return true, nil
	}

	bar, err := e.pricer.NextBar(ctx, matchID, lm.bars)
	if err != nil {
		lm.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) {
			return false, fmt.Errorf("%w: price source: %v", ErrCollaboratorTimeout, err)
		}
		return false, fmt.Errorf("price source: %w", err)
	}

	lm.bars = append(lm.bars, bar)
	lm.m.BarIndex = len(lm.bars)
	barIndex := lm.m.BarIndex
	total := lm.m.DurationBars

	for _, p := range lm.players {
		p.markEquity(bar.Close)
	}

	lm.mu.Unlock()

	if e.pub != nil {
		err := e.pub.Publish(ctx, matchTopic(matchID), map[string]any{
			"type":      "bar",
			"match_id":  matchID,
			"bar_index": barIndex,
			"total":     total,
			"bar":       bar,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return false, fmt.Errorf("%w: broadcast: %v", ErrCollaboratorTimeout, err)
			}
			return false, fmt.Errorf("broadcast: %w", err)
		}
	}

	if barIndex >= total {
		if _, _, err := e.End(ctx, matchID, ReasonCompleted); err != nil {
			return false, fmt.Errorf("end after final bar: %w", err)
		}
		return true, nil
	}

	return false, nil
}

// HandleDisconnect translates a transport-level disconnect into a
// match-level abandonment when the departing session belongs to an ACTIVE
// match. The registry only reports the binding; the abandon decision is
// made here.
func (e *Engine) HandleDisconnect(ctx context.Context, sessionID string) error {
	binding, remaining, ok := e.sessions.Unbind(sessionID)
	if !ok {
		return nil
	}

	e.log.Info("participant disconnected",
		zap.String("session_id", sessionID),
		zap.String("participant_id", binding.ParticipantID),
		zap.String("match_id", binding.MatchID),
		zap.Int("remaining", remaining))

	e.mu.RLock()
	_, active := e.live[binding.MatchID]
	e.mu.RUnlock()
	if !active {
		return nil
	}

	_, _, err := e.Abandon(ctx, binding.MatchID, binding.ParticipantID)
	return err
}

// BindSession records a session's match affiliation after verifying the
// participant actually belongs to the match.
func (e *Engine) BindSession(ctx context.Context, sessionID, participantID, matchID string) error {
	m, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if m.CreatorID != participantID && m.OpponentID != participantID {
		return &ValidationError{MatchID: matchID, ParticipantID: participantID, Reason: "not a participant"}
	}
	e.sessions.Bind(sessionID, participantID, matchID)
	return nil
}

// MatchView is a read-only snapshot of a match for API consumers
type MatchView struct {
	Match   Match        `json:"match"`
	Bars    []market.Bar `json:"bars"`
	Players []PlayerView `json:"players"`
}

// PlayerView is a participant's current standing
type PlayerView struct {
	ParticipantID string `json:"participant_id"`
	Cash          int64  `json:"cash"`
	Position      int64  `json:"position"`
	Equity        int64  `json:"equity"`
	Actions       int    `json:"actions"`
}

// State returns a snapshot of a match: live in-memory state for ACTIVE
// matches, the durable record otherwise.
func (e *Engine) State(ctx context.Context, matchID string) (*MatchView, error) {
	e.mu.RLock()
	lm := e.live[matchID]
	e.mu.RUnlock()

	if lm == nil {
		m, err := e.store.GetMatch(ctx, matchID)
		if err != nil {
			return nil, err
		}
		return &MatchView{Match: *m}, nil
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	view := &MatchView{Match: *lm.m}
	view.Bars = append(view.Bars, lm.bars...)
	price := lm.lastClose()
	for _, p := range lm.players {
		view.Players = append(view.Players, PlayerView{
			ParticipantID: p.id,
			Cash:          p.cash,
			Position:      p.position,
			Equity:        p.equity(price),
			Actions:       p.totalActions,
		})
	}
	return view, nil
}

// liveOrStatus returns the live state for a match, or a precise error
// derived from the durable record when the match is not live here.
func (e *Engine) liveOrStatus(ctx context.Context, matchID, op string) (*liveMatch, error) {
	e.mu.RLock()
	lm := e.live[matchID]
	e.mu.RUnlock()
	if lm != nil {
		return lm, nil
	}

	m, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return nil, &InvalidStateError{MatchID: matchID, Current: m.Status, Expected: StatusActive, Op: op}
}

// publish sends a fire-and-forget event; failures are logged, never fatal
func (e *Engine) publish(ctx context.Context, topic string, payload any) {
	if e.pub == nil {
		return
	}
	if err := e.pub.Publish(ctx, topic, payload); err != nil {
		e.log.Warn("publish failed",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

func matchTopic(matchID string) string {
	return "match:" + matchID
}
