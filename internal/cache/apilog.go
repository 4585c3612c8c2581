package cache

import (
	"context"
	"database/sql"
	"log/slog"
)

// APICall is one row of the upstream call log.
type APICall struct {
	UserHash   string
	SessionID  string
	Method     string
	Endpoint   string
	SolutionID string
	TableID    string
	Timestamp  string
}

// UsageSummary aggregates upstream calls for one user hash.
type UsageSummary struct {
	UserHash   string `json:"user_hash"`
	TotalCalls int64  `json:"total_calls"`
	FirstCall  string `json:"first_call,omitempty"`
	LastCall   string `json:"last_call,omitempty"`
}

// LogAPICall appends a row to api_call_log and bumps the per-user summary.
// Logging must never fail the upstream call, so errors are swallowed after a
// debug line.
func (s *Store) LogAPICall(ctx context.Context, call APICall) {
	if call.Timestamp == "" {
		call.Timestamp = s.now()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO api_call_log (user_hash, session_id, method, endpoint, solution_id, table_id, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			call.UserHash, call.SessionID, call.Method, call.Endpoint,
			call.SolutionID, call.TableID, call.Timestamp); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO api_stats_summary (user_hash, total_calls, first_call, last_call)
			VALUES (?, 1, ?, ?)
			ON CONFLICT(user_hash) DO UPDATE SET
				total_calls = total_calls + 1,
				last_call   = excluded.last_call`,
			call.UserHash, call.Timestamp, call.Timestamp)
		return err
	})
	if err != nil {
		s.log.Debug("api call log write failed", slog.String("error", err.Error()))
	}
}

// Usage returns the call summary for one user hash. A user with no logged
// calls gets a zero summary, not an error.
func (s *Store) Usage(ctx context.Context, userHash string) (*UsageSummary, error) {
	out := &UsageSummary{UserHash: userHash}
	err := s.db.QueryRowContext(ctx, `
		SELECT total_calls, COALESCE(first_call, ''), COALESCE(last_call, '')
		FROM api_stats_summary WHERE user_hash = ?`, userHash).
		Scan(&out.TotalCalls, &out.FirstCall, &out.LastCall)
	if err == sql.ErrNoRows {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SessionCalls lists the logged calls for one session, oldest first.
func (s *Store) SessionCalls(ctx context.Context, sessionID string) ([]APICall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_hash, session_id, method, endpoint,
		       COALESCE(solution_id, ''), COALESCE(table_id, ''), timestamp
		FROM api_call_log WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []APICall
	for rows.Next() {
		var c APICall
		if err := rows.Scan(&c.UserHash, &c.SessionID, &c.Method, &c.Endpoint,
			&c.SolutionID, &c.TableID, &c.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
