// Package sqlite is the durable Store backed by an embedded SQLite database.
// Records are kept as JSON documents next to the columns used for filtering.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/store"
)

// Store implements store.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps transactions serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(b), nil
}

func decode(body string, v any) error {
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", kind, id, store.ErrNotFound)
	}
	return fmt.Errorf("%s %q: %w", kind, id, err)
}

// Events

func (s *Store) CreateEvent(ctx context.Context, ev *model.AlertEvent) (*model.AlertEvent, bool, error) {
	body, err := encode(ev)
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, source, status, received_at, body) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.Source, string(ev.Status), ev.ReceivedAt.UnixNano(), body)
	if err != nil {
		return nil, false, fmt.Errorf("insert event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetEvent(ctx, ev.ID)
		return existing, false, err
	}
	return ev.Clone(), true, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*model.AlertEvent, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM events WHERE id = ?`, id).Scan(&body)
	if err != nil {
		return nil, notFound("event", id, err)
	}
	var ev model.AlertEvent
	if err := decode(body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *Store) UpdateEvent(ctx context.Context, ev *model.AlertEvent) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE events SET status = ?, body = ? WHERE id = ?`,
		string(ev.Status), body, ev.ID)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %q: %w", ev.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, f store.EventFilter) ([]*model.AlertEvent, error) {
	q := `SELECT body FROM events WHERE 1=1`
	var args []any
	if f.Source != "" {
		q += ` AND source = ?`
		args = append(args, f.Source)
	}
	if len(f.Statuses) > 0 {
		q += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY received_at ASC`
	q, args = withLimit(q, args, f.Limit)

	var out []*model.AlertEvent
	err := s.query(ctx, q, args, func(body string) error {
		var ev model.AlertEvent
		if err := decode(body, &ev); err != nil {
			return err
		}
		out = append(out, &ev)
		return nil
	})
	return out, err
}

// Rules

func (s *Store) ListRules(ctx context.Context) ([]model.Rule, error) {
	var out []model.Rule
	rows, err := s.db.QueryContext(ctx, `SELECT body, stats FROM rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var body, stats string
		if err := rows.Scan(&body, &stats); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r, err := decodeRule(body, stats)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	var body, stats string
	err := s.db.QueryRowContext(ctx, `SELECT body, stats FROM rules WHERE id = ?`, id).Scan(&body, &stats)
	if err != nil {
		return nil, notFound("rule", id, err)
	}
	return decodeRule(body, stats)
}

func decodeRule(body, stats string) (*model.Rule, error) {
	var r model.Rule
	if err := decode(body, &r); err != nil {
		return nil, err
	}
	if err := decode(stats, &r.Stats); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) SaveRule(ctx context.Context, r *model.Rule) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var conflict string
		err := tx.QueryRowContext(ctx, `SELECT id FROM rules WHERE name = ? COLLATE NOCASE AND id != ?`,
			r.Name, r.ID).Scan(&conflict)
		if err == nil {
			return fmt.Errorf("rule name %q is used by %s: %w", r.Name, conflict, store.ErrConflict)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check rule name: %w", err)
		}

		now := s.now()
		var createdAt int64
		var stats string
		err = tx.QueryRowContext(ctx, `SELECT created_at, stats FROM rules WHERE id = ?`, r.ID).Scan(&createdAt, &stats)
		switch {
		case err == nil:
			r.CreatedAt = time.Unix(0, createdAt).UTC()
			if err := decode(stats, &r.Stats); err != nil {
				return err
			}
		case errors.Is(err, sql.ErrNoRows):
			if r.CreatedAt.IsZero() {
				r.CreatedAt = now
			}
			r.Stats = model.RuleStats{}
		default:
			return fmt.Errorf("load rule: %w", err)
		}
		r.UpdatedAt = now

		body, err := encode(r)
		if err != nil {
			return err
		}
		statsBody, err := encode(r.Stats)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rules (id, name, body, stats, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET name = excluded.name, body = excluded.body, updated_at = excluded.updated_at`,
			r.ID, r.Name, body, statsBody, r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("save rule: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "rules", "rule", id)
}

func (s *Store) RuleStats(ctx context.Context, id string) (model.RuleStats, error) {
	var stats string
	if err := s.db.QueryRowContext(ctx, `SELECT stats FROM rules WHERE id = ?`, id).Scan(&stats); err != nil {
		return model.RuleStats{}, notFound("rule", id, err)
	}
	var out model.RuleStats
	err := decode(stats, &out)
	return out, err
}

func (s *Store) ResetConsecutiveFailures(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stats, err := loadStats(ctx, tx, id)
		if err != nil {
			return err
		}
		stats.ConsecutiveFailures = 0
		return saveStats(ctx, tx, id, stats)
	})
}

func loadStats(ctx context.Context, tx *sql.Tx, id string) (model.RuleStats, error) {
	var body string
	if err := tx.QueryRowContext(ctx, `SELECT stats FROM rules WHERE id = ?`, id).Scan(&body); err != nil {
		return model.RuleStats{}, notFound("rule", id, err)
	}
	var stats model.RuleStats
	err := decode(body, &stats)
	return stats, err
}

func saveStats(ctx context.Context, tx *sql.Tx, id string, stats model.RuleStats) error {
	body, err := encode(stats)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rules SET stats = ? WHERE id = ?`, body, id); err != nil {
		return fmt.Errorf("save rule stats: %w", err)
	}
	return nil
}

// Chains

func (s *Store) ListChains(ctx context.Context) ([]model.EscalationChain, error) {
	var out []model.EscalationChain
	err := s.query(ctx, `SELECT body FROM chains ORDER BY id`, nil, func(body string) error {
		var c model.EscalationChain
		if err := decode(body, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

func (s *Store) GetChain(ctx context.Context, id string) (*model.EscalationChain, error) {
	var body string
	if err := s.db.QueryRowContext(ctx, `SELECT body FROM chains WHERE id = ?`, id).Scan(&body); err != nil {
		return nil, notFound("chain", id, err)
	}
	var c model.EscalationChain
	if err := decode(body, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) SaveChain(ctx context.Context, c *model.EscalationChain) error {
	body, err := encode(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chains (id, body) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		c.ID, body)
	if err != nil {
		return fmt.Errorf("save chain: %w", err)
	}
	return nil
}

func (s *Store) DeleteChain(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "chains", "chain", id)
}

// Ledger

func (s *Store) CreateExecution(ctx context.Context, exec *model.MappingExecution) error {
	head := exec.Clone()
	head.Results = nil
	body, err := encode(head)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO executions (id, rule_id, event_id, status, started_at, body) VALUES (?, ?, ?, ?, ?, ?)`,
			exec.ID, exec.RuleID, exec.EventID, string(exec.Status), exec.StartedAt.UnixNano(), body)
		if err != nil {
			if isConstraint(err) {
				return fmt.Errorf("execution %q: %w", exec.ID, store.ErrConflict)
			}
			return fmt.Errorf("insert execution: %w", err)
		}
		for i, res := range exec.Results {
			if err := insertResult(ctx, tx, exec.ID, i, res); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertResult(ctx context.Context, tx *sql.Tx, execID string, seq int, res model.ActionResult) error {
	body, err := encode(res)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO action_results (execution_id, seq, body) VALUES (?, ?, ?)`, execID, seq, body); err != nil {
		return fmt.Errorf("insert action result: %w", err)
	}
	return nil
}

func (s *Store) AppendResult(ctx context.Context, execID string, res model.ActionResult) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, execID).Scan(&status); err != nil {
			return notFound("execution", execID, err)
		}
		if model.ExecutionStatus(status).Terminal() {
			return fmt.Errorf("execution %q: %w", execID, store.ErrImmutable)
		}
		var seq int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM action_results WHERE execution_id = ?`, execID).Scan(&seq); err != nil {
			return fmt.Errorf("count action results: %w", err)
		}
		return insertResult(ctx, tx, execID, seq, res)
	})
}

func (s *Store) FinishExecution(ctx context.Context, exec *model.MappingExecution) (model.RuleStats, error) {
	var stats model.RuleStats
	head := exec.Clone()
	head.Results = nil
	body, err := encode(head)
	if err != nil {
		return stats, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, exec.ID).Scan(&status); err != nil {
			return notFound("execution", exec.ID, err)
		}
		if model.ExecutionStatus(status).Terminal() {
			return fmt.Errorf("execution %q: %w", exec.ID, store.ErrImmutable)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE executions SET status = ?, body = ? WHERE id = ?`,
			string(exec.Status), body, exec.ID); err != nil {
			return fmt.Errorf("update execution: %w", err)
		}

		current, err := loadStats(ctx, tx, exec.RuleID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		at := exec.StartedAt
		if exec.FinishedAt != nil {
			at = *exec.FinishedAt
		}
		current.Record(exec.Status, at)
		stats = current
		return saveStats(ctx, tx, exec.RuleID, current)
	})
	return stats, err
}

func (s *Store) MarkEscalated(ctx context.Context, execID, escalationID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var body string
		if err := tx.QueryRowContext(ctx, `SELECT body FROM executions WHERE id = ?`, execID).Scan(&body); err != nil {
			return notFound("execution", execID, err)
		}
		var head model.MappingExecution
		if err := decode(body, &head); err != nil {
			return err
		}
		head.Escalated = true
		head.EscalationID = escalationID
		updated, err := encode(&head)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE executions SET body = ? WHERE id = ?`, updated, execID)
		return err
	})
}

func (s *Store) GetExecution(ctx context.Context, id string) (*model.MappingExecution, error) {
	var body string
	if err := s.db.QueryRowContext(ctx, `SELECT body FROM executions WHERE id = ?`, id).Scan(&body); err != nil {
		return nil, notFound("execution", id, err)
	}
	var exec model.MappingExecution
	if err := decode(body, &exec); err != nil {
		return nil, err
	}
	if err := s.loadResults(ctx, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *Store) loadResults(ctx context.Context, exec *model.MappingExecution) error {
	exec.Results = nil
	return s.query(ctx, `SELECT body FROM action_results WHERE execution_id = ? ORDER BY seq`,
		[]any{exec.ID}, func(body string) error {
			var res model.ActionResult
			if err := decode(body, &res); err != nil {
				return err
			}
			exec.Results = append(exec.Results, res)
			return nil
		})
}

func (s *Store) ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]*model.MappingExecution, error) {
	q := `SELECT body FROM executions WHERE 1=1`
	var args []any
	if f.RuleID != "" {
		q += ` AND rule_id = ?`
		args = append(args, f.RuleID)
	}
	if f.EventID != "" {
		q += ` AND event_id = ?`
		args = append(args, f.EventID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		q += ` AND started_at >= ?`
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		q += ` AND started_at < ?`
		args = append(args, f.Until.UnixNano())
	}
	q += ` ORDER BY started_at DESC, id ASC`
	q, args = withLimit(q, args, f.Limit)

	var out []*model.MappingExecution
	err := s.query(ctx, q, args, func(body string) error {
		var exec model.MappingExecution
		if err := decode(body, &exec); err != nil {
			return err
		}
		out = append(out, &exec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, exec := range out {
		if err := s.loadResults(ctx, exec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) CreateEscalation(ctx context.Context, esc *model.EscalationExecution) error {
	body, err := encode(esc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO escalations (id, rule_id, status, level, started_at, body) VALUES (?, ?, ?, ?, ?, ?)`,
		esc.ID, esc.RuleID, string(esc.Status), esc.CurrentLevel, esc.StartedAt.UnixNano(), body)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("escalation %q: %w", esc.ID, store.ErrConflict)
		}
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

func (s *Store) UpdateEscalation(ctx context.Context, esc *model.EscalationExecution) error {
	body, err := encode(esc)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var level int
		if err := tx.QueryRowContext(ctx, `SELECT level FROM escalations WHERE id = ?`, esc.ID).Scan(&level); err != nil {
			return notFound("escalation", esc.ID, err)
		}
		if esc.CurrentLevel < level {
			return fmt.Errorf("escalation %q: level cannot drop from %d to %d: %w",
				esc.ID, level, esc.CurrentLevel, store.ErrConflict)
		}
		_, err := tx.ExecContext(ctx, `UPDATE escalations SET status = ?, level = ?, body = ? WHERE id = ?`,
			string(esc.Status), esc.CurrentLevel, body, esc.ID)
		if err != nil {
			return fmt.Errorf("update escalation: %w", err)
		}
		return nil
	})
}

func (s *Store) GetEscalation(ctx context.Context, id string) (*model.EscalationExecution, error) {
	var body string
	if err := s.db.QueryRowContext(ctx, `SELECT body FROM escalations WHERE id = ?`, id).Scan(&body); err != nil {
		return nil, notFound("escalation", id, err)
	}
	var esc model.EscalationExecution
	if err := decode(body, &esc); err != nil {
		return nil, err
	}
	return &esc, nil
}

func (s *Store) ListEscalations(ctx context.Context, f store.EscalationFilter) ([]*model.EscalationExecution, error) {
	q := `SELECT body FROM escalations WHERE 1=1`
	var args []any
	if f.RuleID != "" {
		q += ` AND rule_id = ?`
		args = append(args, f.RuleID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY started_at DESC, id ASC`
	q, args = withLimit(q, args, f.Limit)

	var out []*model.EscalationExecution
	err := s.query(ctx, q, args, func(body string) error {
		var esc model.EscalationExecution
		if err := decode(body, &esc); err != nil {
			return err
		}
		out = append(out, &esc)
		return nil
	})
	return out, err
}

// helpers

func (s *Store) query(ctx context.Context, q string, args []any, each func(body string) error) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if err := each(body); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) deleteByID(ctx context.Context, table, kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, store.ErrNotFound)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func withLimit(q string, args []any, limit int) (string, []any) {
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return q, args
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
