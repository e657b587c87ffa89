package match

import (
	"context"
	"time"

	"duel/internal/market"
)

// Status represents the lifecycle state of a match
type Status int

const (
	StatusWaiting   Status = iota // Created, waiting for an opponent
	StatusActive                  // Both participants in, bars ticking
	StatusFinished                // Ran its full duration
	StatusAbandoned               // A participant left mid-match
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "WAITING"
	case StatusActive:
		return "ACTIVE"
	case StatusFinished:
		return "FINISHED"
	case StatusAbandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is valid from s
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusAbandoned
}

// ParseStatus converts a stored status string back to a Status
func ParseStatus(s string) Status {
	switch s {
	case "WAITING":
		return StatusWaiting
	case "ACTIVE":
		return StatusActive
	case "FINISHED":
		return StatusFinished
	case "ABANDONED":
		return StatusAbandoned
	default:
		return StatusWaiting
	}
}

// EndReason records why a match reached a terminal state
type EndReason string

const (
	ReasonCompleted EndReason = "completed"
	ReasonAbandoned EndReason = "abandoned"
)

// Match is one timed two-participant competitive session. Durable fields
// are mirrored in the store, which is the source of truth across restarts;
// the in-memory bar series lives only in the engine while a match is
// active.
type Match struct {
	ID           string
	Status       Status
	CreatorID    string
	OpponentID   string // empty until joined
	Symbol       string
	DurationBars int
	TickInterval time.Duration
	EndReason    EndReason
	BarIndex     int
	CreatedAt    time.Time
	StartedAt    time.Time
	EndedAt      time.Time
}

// Config contains defaults applied when creating matches
type Config struct {
	DurationBars int           // bars until the match finishes
	TickInterval time.Duration // time between bars
	StartCash    int64         // per-participant starting cash in cents
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DurationBars: 120,
		TickInterval: 5 * time.Second,
		StartCash:    100000000, // $1,000,000
	}
}

// Result is one participant's final outcome in a terminal match
type Result struct {
	MatchID           string
	ParticipantID     string
	StartEquity       int64
	FinalEquity       int64
	MaxDrawdown       int64
	TotalActions      int
	ProfitableActions int
	Score             float64
	Won               bool
}

// Action is a buy or sell request against the current bar price
type Action struct {
	Side     string // "buy" or "sell"
	Quantity int64
}

// ActionAck reports the participant's position after an accepted action
type ActionAck struct {
	MatchID       string `json:"match_id"`
	ParticipantID string `json:"participant_id"`
	Side          string `json:"side"`
	Quantity      int64  `json:"quantity"`
	Price         int64  `json:"price"`
	Cash          int64  `json:"cash"`
	Position      int64  `json:"position"`
	Equity        int64  `json:"equity"`
	BarIndex      int    `json:"bar_index"`
}

// Store is the durable match record the engine transitions against. Join
// and finalization both hinge on the conditional-update contract: the
// write commits only if the status predicate held at commit time, and the
// affected-row count tells the engine whether it won.
type Store interface {
	CreateMatch(ctx context.Context, m *Match) error
	GetMatch(ctx context.Context, id string) (*Match, error)
	// ActivateMatch sets status ACTIVE and the opponent iff the match is
	// still WAITING. Returns the number of rows affected (0 = lost race).
	ActivateMatch(ctx context.Context, id, opponentID string, startedAt time.Time) (int64, error)
	// FinalizeMatch writes the terminal status and results iff the match
	// is still ACTIVE. Returns the number of rows affected (0 = already
	// terminal).
	FinalizeMatch(ctx context.Context, m *Match, results []Result) (int64, error)
	// ActiveMatches lists matches currently marked ACTIVE, for startup
	// reconciliation.
	ActiveMatches(ctx context.Context) ([]Match, error)
}

// BarSource generates the next bar of a match's price series
type BarSource interface {
	NextBar(ctx context.Context, matchID string, prior []market.Bar) (market.Bar, error)
}

// Publisher delivers fire-and-forget match updates to observers
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// ScoreFunc maps a participant's match performance to [0, 100]
type ScoreFunc func(finalEquity, startEquity, maxDrawdown int64, totalActions, profitableActions int) float64
