package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"duel/internal/match"
)

// CreateMatch inserts a new WAITING match record
func (s *Store) CreateMatch(ctx context.Context, m *match.Match) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matches (id, status, creator_id, symbol, duration_bars, tick_interval_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Status.String(), m.CreatorID, m.Symbol, m.DurationBars,
		m.TickInterval.Milliseconds(), m.CreatedAt)
	return err
}

// GetMatch retrieves a match by ID
func (s *Store) GetMatch(ctx context.Context, id string) (*match.Match, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, creator_id, opponent_id, symbol, duration_bars,
			tick_interval_ms, bar_index, end_reason, created_at, started_at, ended_at
		FROM matches WHERE id = ?
	`, id)
	m, err := scanMatch(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("match %s: %w", id, match.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ActivateMatch sets the opponent and flips status to ACTIVE, but only if
// the match is still WAITING. The affected-row count decides join races:
// of two concurrent joins exactly one sees 1, the other sees 0.
func (s *Store) ActivateMatch(ctx context.Context, id, opponentID string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE matches SET status = ?, opponent_id = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, match.StatusActive.String(), opponentID, startedAt, id, match.StatusWaiting.String())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FinalizeMatch writes the terminal status and participant results in one
// transaction, guarded on the match still being ACTIVE. Zero affected
// rows means another caller finalized first; nothing is written.
func (s *Store) FinalizeMatch(ctx context.Context, m *match.Match, results []match.Result) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE matches SET status = ?, end_reason = ?, bar_index = ?, ended_at = ?
		WHERE id = ? AND status = ?
	`, m.Status.String(), string(m.EndReason), m.BarIndex, m.EndedAt,
		m.ID, match.StatusActive.String())
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, nil
	}

	for _, r := range results {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO match_results (match_id, participant_id, start_equity, final_equity,
				max_drawdown, total_actions, profitable_actions, score, won)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.MatchID, r.ParticipantID, r.StartEquity, r.FinalEquity,
			r.MaxDrawdown, r.TotalActions, r.ProfitableActions, r.Score, r.Won)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rows, nil
}

// ListOpenMatches returns WAITING matches, newest first
func (s *Store) ListOpenMatches(ctx context.Context, limit int) ([]match.Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, creator_id, opponent_id, symbol, duration_bars,
			tick_interval_ms, bar_index, end_reason, created_at, started_at, ended_at
		FROM matches
		WHERE status = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, match.StatusWaiting.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

// ActiveMatches returns matches currently marked ACTIVE, oldest first
func (s *Store) ActiveMatches(ctx context.Context) ([]match.Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, creator_id, opponent_id, symbol, duration_bars,
			tick_interval_ms, bar_index, end_reason, created_at, started_at, ended_at
		FROM matches
		WHERE status = ?
		ORDER BY started_at ASC
	`, match.StatusActive.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

// RecentMatches returns terminal matches, most recently ended first
func (s *Store) RecentMatches(ctx context.Context, limit int) ([]match.Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, creator_id, opponent_id, symbol, duration_bars,
			tick_interval_ms, bar_index, end_reason, created_at, started_at, ended_at
		FROM matches
		WHERE status IN (?, ?)
		ORDER BY ended_at DESC
		LIMIT ?
	`, match.StatusFinished.String(), match.StatusAbandoned.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

// ResultsForMatch returns all participant results for a match
func (s *Store) ResultsForMatch(ctx context.Context, matchID string) ([]match.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT match_id, participant_id, start_equity, final_equity,
			max_drawdown, total_actions, profitable_actions, score, won
		FROM match_results
		WHERE match_id = ?
		ORDER BY score DESC
	`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResults(rows)
}

// HistoryForParticipant returns a participant's recent results
func (s *Store) HistoryForParticipant(ctx context.Context, participantID string, limit int) ([]match.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.match_id, r.participant_id, r.start_equity, r.final_equity,
			r.max_drawdown, r.total_actions, r.profitable_actions, r.score, r.won
		FROM match_results r
		JOIN matches m ON r.match_id = m.id
		WHERE r.participant_id = ?
		ORDER BY m.ended_at DESC
		LIMIT ?
	`, participantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResults(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (*match.Match, error) {
	var (
		m          match.Match
		status     string
		opponent   sql.NullString
		endReason  sql.NullString
		intervalMS int64
		startedAt  sql.NullTime
		endedAt    sql.NullTime
	)
	err := row.Scan(&m.ID, &status, &m.CreatorID, &opponent, &m.Symbol,
		&m.DurationBars, &intervalMS, &m.BarIndex, &endReason,
		&m.CreatedAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	m.Status = match.ParseStatus(status)
	m.OpponentID = opponent.String
	m.EndReason = match.EndReason(endReason.String)
	m.TickInterval = time.Duration(intervalMS) * time.Millisecond
	if startedAt.Valid {
		m.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		m.EndedAt = endedAt.Time
	}
	return &m, nil
}

func scanMatches(rows *sql.Rows) ([]match.Match, error) {
	var matches []match.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *m)
	}
	return matches, rows.Err()
}

func scanResults(rows *sql.Rows) ([]match.Result, error) {
	var results []match.Result
	for rows.Next() {
		var r match.Result
		if err := rows.Scan(&r.MatchID, &r.ParticipantID, &r.StartEquity, &r.FinalEquity,
			&r.MaxDrawdown, &r.TotalActions, &r.ProfitableActions, &r.Score, &r.Won); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
