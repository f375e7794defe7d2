package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/parley-dev/parley/internal/errors"
	"github.com/parley-dev/parley/internal/governance"
	"github.com/parley-dev/parley/internal/plan"
	"github.com/parley-dev/parley/internal/run"
	"github.com/parley-dev/parley/internal/vote"
)

// SQLiteStore persists records in a sqlite database. Structured fields
// (state blobs, turn output, ballots) are stored as JSON columns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies the
// schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// The scheduler is the sole writer; a single connection avoids
	// SQLITE_BUSY on concurrent reads during a transaction.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP,
		ended_at TIMESTAMP,
		state TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		sequence INTEGER NOT NULL,
		status TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		input TEXT NOT NULL DEFAULT '{}',
		output TEXT,
		error TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(run_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS votes (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		status TEXT NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS policies (
		id TEXT NOT NULL,
		run_id TEXT NOT NULL REFERENCES runs(id),
		kind TEXT NOT NULL,
		scope TEXT NOT NULL,
		channel_id TEXT,
		config TEXT,
		position INTEGER NOT NULL,
		PRIMARY KEY(run_id, id)
	);

	CREATE TABLE IF NOT EXISTS plans (
		run_id TEXT PRIMARY KEY REFERENCES runs(id),
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_turns_run ON turns(run_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_votes_run ON votes(run_id, opened_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r *run.Run) error {
	state, err := json.Marshal(r.State)
	if err != nil {
		return fmt.Errorf("encoding run state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workspace_id, status, started_at, ended_at, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, r.Status, r.StartedAt, r.EndedAt, string(state), r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, status, started_at, ended_at, state, created_at, updated_at
		 FROM runs WHERE id = ?`, id,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrRunNotFound
	}
	return r, err
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *run.Run) error {
	return updateRunExec(ctx, s.db, r)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*run.Run, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, status, started_at, ended_at, state, created_at, updated_at
		 FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) CreateTurn(ctx context.Context, t *run.Turn) error {
	input, output, err := encodeTurn(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO turns (id, run_id, sequence, status, agent_id, channel_id, attempts, input, output, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RunID, t.Sequence, t.Status, t.AgentID, t.ChannelID, t.Attempts,
		input, output, nullString(t.Error), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetTurn(ctx context.Context, id string) (*run.Turn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, sequence, status, agent_id, channel_id, attempts, input, output, error, created_at, updated_at
		 FROM turns WHERE id = ?`, id,
	)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrTurnNotFound
	}
	return t, err
}

func (s *SQLiteStore) UpdateTurn(ctx context.Context, t *run.Turn) error {
	return updateTurnExec(ctx, s.db, t)
}

func (s *SQLiteStore) ListTurns(ctx context.Context, runID string) ([]*run.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sequence, status, agent_id, channel_id, attempts, input, output, error, created_at, updated_at
		 FROM turns WHERE run_id = ? ORDER BY sequence`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var turns []*run.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// UpdateTurnAndRun updates both records in one transaction.
func (s *SQLiteStore) UpdateTurnAndRun(ctx context.Context, t *run.Turn, r *run.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateTurnExec(ctx, tx, t); err != nil {
		return err
	}
	if err := updateRunExec(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) CreateVote(ctx context.Context, v *vote.Vote) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding vote: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO votes (id, run_id, status, opened_at, payload) VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.RunID, v.Status, v.OpenedAt, string(payload),
	)
	return err
}

func (s *SQLiteStore) GetVote(ctx context.Context, id string) (*vote.Vote, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM votes WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrVoteNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeVote(payload)
}

func (s *SQLiteStore) UpdateVote(ctx context.Context, v *vote.Vote) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding vote: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE votes SET status = ?, payload = ? WHERE id = ?`,
		v.Status, string(payload), v.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrVoteNotFound
	}
	return nil
}

func (s *SQLiteStore) ListVotes(ctx context.Context, runID string) ([]*vote.Vote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM votes WHERE run_id = ? ORDER BY opened_at, rowid`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var votes []*vote.Vote
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		v, err := decodeVote(payload)
		if err != nil {
			return nil, err
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// SavePolicies replaces the run's policy set.
func (s *SQLiteStore) SavePolicies(ctx context.Context, runID string, policies []governance.Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM policies WHERE run_id = ?`, runID); err != nil {
		return err
	}
	for i, p := range policies {
		config, err := policyConfig(p)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO policies (id, run_id, kind, scope, channel_id, config, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, runID, p.Kind, p.Scope, nullString(p.ChannelID), string(config), i,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListPolicies(ctx context.Context, runID string) ([]governance.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, scope, channel_id, config FROM policies WHERE run_id = ? ORDER BY position`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var policies []governance.Policy
	for rows.Next() {
		var (
			id, kind, scope string
			channelID       sql.NullString
			config          sql.NullString
		)
		if err := rows.Scan(&id, &kind, &scope, &channelID, &config); err != nil {
			return nil, err
		}
		p, err := governance.ParsePolicy(id, governance.Kind(kind), governance.Scope(scope),
			channelID.String, json.RawMessage(config.String))
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (s *SQLiteStore) SavePlan(ctx context.Context, runID string, p *plan.Plan) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans (run_id, payload) VALUES (?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET payload = excluded.payload`,
		runID, string(payload),
	)
	return err
}

func (s *SQLiteStore) GetPlan(ctx context.Context, runID string) (*plan.Plan, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM plans WHERE run_id = ?`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no plan stored for run %s", runID)
	}
	if err != nil {
		return nil, err
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	return &p, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateRunExec(ctx context.Context, db execer, r *run.Run) error {
	state, err := json.Marshal(r.State)
	if err != nil {
		return fmt.Errorf("encoding run state: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ?, ended_at = ?, state = ?, updated_at = ? WHERE id = ?`,
		r.Status, r.StartedAt, r.EndedAt, string(state), r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrRunNotFound
	}
	return nil
}

func updateTurnExec(ctx context.Context, db execer, t *run.Turn) error {
	input, output, err := encodeTurn(t)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE turns SET status = ?, attempts = ?, input = ?, output = ?, error = ?, updated_at = ? WHERE id = ?`,
		t.Status, t.Attempts, input, output, nullString(t.Error), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrTurnNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*run.Run, error) {
	var (
		r                  run.Run
		startedAt, endedAt sql.NullTime
		state              string
	)
	if err := row.Scan(&r.ID, &r.WorkspaceID, &r.Status, &startedAt, &endedAt, &state, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	if err := json.Unmarshal([]byte(state), &r.State); err != nil {
		return nil, fmt.Errorf("decoding run state: %w", err)
	}
	return &r, nil
}

func scanTurn(row rowScanner) (*run.Turn, error) {
	var (
		t            run.Turn
		input        string
		output, tErr sql.NullString
	)
	if err := row.Scan(&t.ID, &t.RunID, &t.Sequence, &t.Status, &t.AgentID, &t.ChannelID,
		&t.Attempts, &input, &output, &tErr, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(input), &t.Input); err != nil {
		return nil, fmt.Errorf("decoding turn input: %w", err)
	}
	if output.Valid && output.String != "" {
		t.Output = &run.TurnOutput{}
		if err := json.Unmarshal([]byte(output.String), t.Output); err != nil {
			return nil, fmt.Errorf("decoding turn output: %w", err)
		}
	}
	if tErr.Valid {
		t.Error = tErr.String
	}
	return &t, nil
}

func encodeTurn(t *run.Turn) (input string, output any, err error) {
	raw, err := json.Marshal(t.Input)
	if err != nil {
		return "", nil, fmt.Errorf("encoding turn input: %w", err)
	}
	input = string(raw)
	if t.Output == nil {
		return input, nil, nil
	}
	rawOut, err := json.Marshal(t.Output)
	if err != nil {
		return "", nil, fmt.Errorf("encoding turn output: %w", err)
	}
	return input, string(rawOut), nil
}

func decodeVote(payload string) (*vote.Vote, error) {
	var v vote.Vote
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return nil, fmt.Errorf("decoding vote: %w", err)
	}
	return &v, nil
}

func policyConfig(p governance.Policy) (json.RawMessage, error) {
	switch {
	case p.Approval != nil:
		return json.Marshal(p.Approval)
	case p.Veto != nil:
		return json.Marshal(p.Veto)
	case p.Escalation != nil:
		return json.Marshal(p.Escalation)
	default:
		return json.RawMessage("{}"), nil
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
