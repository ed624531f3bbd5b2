// Package postgres provides a PostgreSQL-backed run.Store over the
// execution_runs and step_executions tables. Every mutation runs in a
// transaction that locks the run row, so appends, scores and transitions
// on one run are serialized across processes.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clerkhq/clerk/features/postgres"
	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/run"
)

// Store implements run.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ run.Store = (*Store)(nil)

// New returns a Store using db. The schema must be installed with
// postgres.Migrate.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

// Create inserts a new run record with its steps.
func (s *Store) Create(ctx context.Context, r *run.Record) error {
	if r == nil || r.ID == "" {
		return errors.New("run id is required")
	}
	dyn, err := marshalDynamic(r.DynamicInputs)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	started, updated := r.StartedAt, r.UpdatedAt
	if started.IsZero() {
		started = now
	}
	if updated.IsZero() {
		updated = now
	}
	return s.inTx(ctx, "create", r.ID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO execution_runs (id, kit_id, version_id, slug, version_number, user_id, label,
				storage_mode, status, evaluate, model, dynamic_inputs, error_message,
				started_at, completed_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			r.ID, r.Version.KitID, r.Version.VersionID, nullString(r.Version.Slug), r.Version.VersionNumber,
			nullString(r.UserID), nullString(r.Label), string(r.StorageMode), string(r.Status), r.Evaluate,
			nullString(r.Model), dyn, nullString(r.Error), started, r.CompletedAt, updated)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %s", run.ErrExists, r.ID)
			}
			return err
		}
		for _, step := range r.Steps {
			if err := insertStep(ctx, tx, r.ID, step); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns the run and its steps ordered by number.
func (s *Store) Load(ctx context.Context, runID string) (*run.Record, error) {
	var (
		r                        run.Record
		slug, user, label, model sql.NullString
		errMsg                   sql.NullString
		versionNumber            sql.NullInt64
		mode, status             string
		dyn                      []byte
		completedAt              sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kit_id, version_id, slug, version_number, user_id, label, storage_mode, status,
			evaluate, model, dynamic_inputs, error_message, started_at, completed_at, updated_at
		FROM execution_runs WHERE id = $1`, runID).Scan(
		&r.ID, &r.Version.KitID, &r.Version.VersionID, &slug, &versionNumber, &user, &label, &mode, &status,
		&r.Evaluate, &model, &dyn, &errMsg, &r.StartedAt, &completedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", run.ErrNotFound, runID)
	}
	if err != nil {
		return nil, run.Persistence("load", runID, err)
	}
	r.Version.Slug = slug.String
	r.Version.VersionNumber = int(versionNumber.Int64)
	r.UserID, r.Label, r.Model, r.Error = user.String, label.String, model.String, errMsg.String
	r.StorageMode, r.Status = run.StorageMode(mode), run.Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if len(dyn) > 0 {
		if err := json.Unmarshal(dyn, &r.DynamicInputs); err != nil {
			return nil, run.Persistence("load", runID, fmt.Errorf("decode dynamic inputs: %w", err))
		}
	}
	steps, err := s.loadSteps(ctx, runID)
	if err != nil {
		return nil, run.Persistence("load", runID, err)
	}
	r.Steps = steps
	return &r, nil
}

func (s *Store) loadSteps(ctx context.Context, runID string) ([]run.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_number, output_id, input_text, input_char_count, output_text, output_char_count,
			evaluation_score, model_used, tokens_used, latency_ms, executed_at
		FROM step_executions WHERE run_id = $1 ORDER BY step_number`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	steps := []run.StepExecution{}
	for rows.Next() {
		var (
			st                 run.StepExecution
			input, output      sql.NullString
			inChars, outChars  sql.NullInt64
			score, tokens, lat sql.NullInt64
			model              sql.NullString
		)
		if err := rows.Scan(&st.Number, &st.OutputID, &input, &inChars, &output, &outChars,
			&score, &model, &tokens, &lat, &st.ExecutedAt); err != nil {
			return nil, err
		}
		if input.Valid {
			st.Input = &input.String
		}
		if output.Valid {
			st.Output = &output.String
		}
		if score.Valid {
			v := int(score.Int64)
			st.Score = &v
		}
		st.InputChars, st.OutputChars = int(inChars.Int64), int(outChars.Int64)
		st.Model = model.String
		st.Tokens = int(tokens.Int64)
		st.Latency = time.Duration(lat.Int64) * time.Millisecond
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// AppendStep records the next step.
func (s *Store) AppendStep(ctx context.Context, runID string, step run.StepExecution) error {
	return s.inTx(ctx, "append step", runID, func(tx *sql.Tx) error {
		status, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		var last int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(step_number), 0) FROM step_executions WHERE run_id = $1`, runID).Scan(&last); err != nil {
			return err
		}
		switch {
		case status.Terminal():
			return fmt.Errorf("%w: run %s is %s", run.ErrTerminal, runID, status)
		case step.Number >= 1 && step.Number <= last:
			return fmt.Errorf("%w: run %s step %d", run.ErrStepExists, runID, step.Number)
		case step.Number != last+1:
			return fmt.Errorf("%w: run %s got step %d, want %d", run.ErrStepOutOfOrder, runID, step.Number, last+1)
		}
		if err := insertStep(ctx, tx, runID, step); err != nil {
			if postgres.IsUniqueViolation(err) {
				return fmt.Errorf("%w: run %s step %d", run.ErrStepExists, runID, step.Number)
			}
			return err
		}
		return s.touch(ctx, tx, runID)
	})
}

// SetScore records the evaluation of a recorded step.
func (s *Store) SetScore(ctx context.Context, runID string, step, score int) error {
	if err := run.ValidateScore(score); err != nil {
		return err
	}
	return s.inTx(ctx, "set score", runID, func(tx *sql.Tx) error {
		status, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if status.Terminal() {
			return fmt.Errorf("%w: run %s is %s", run.ErrTerminal, runID, status)
		}
		var current sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT evaluation_score FROM step_executions WHERE run_id = $1 AND step_number = $2`,
			runID, step).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: run %s step %d", run.ErrStepNotFound, runID, step)
		}
		if err != nil {
			return err
		}
		if current.Valid {
			return fmt.Errorf("%w: run %s step %d", run.ErrScoreSet, runID, step)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE step_executions SET evaluation_score = $3 WHERE run_id = $1 AND step_number = $2`,
			runID, step, score); err != nil {
			return err
		}
		return s.touch(ctx, tx, runID)
	})
}

// UpdateStatus transitions the run.
func (s *Store) UpdateStatus(ctx context.Context, runID string, status run.Status, errMsg string) error {
	return s.inTx(ctx, "update status", runID, func(tx *sql.Tx) error {
		current, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if err := run.CheckTransition(&run.Record{ID: runID, Status: current}, status); err != nil {
			return err
		}
		now := s.now().UTC()
		var completed any
		if status.Terminal() {
			completed = now
		}
		var msg any
		if status == run.StatusFailed {
			msg = errMsg
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE execution_runs
			SET status = $2, updated_at = $3,
				completed_at = COALESCE($4::timestamptz, completed_at),
				error_message = COALESCE($5::text, error_message)
			WHERE id = $1`, runID, string(status), now, completed, msg)
		return err
	})
}

// inTx runs fn in a transaction. Lifecycle errors pass through; anything
// else is reported as a persistence error.
func (s *Store) inTx(ctx context.Context, op, runID string, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return run.Persistence(op, runID, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		if run.IsLifecycle(err) {
			return err
		}
		return run.Persistence(op, runID, err)
	}
	if err = tx.Commit(); err != nil {
		return run.Persistence(op, runID, err)
	}
	return nil
}

func (s *Store) touch(ctx context.Context, tx *sql.Tx, runID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE execution_runs SET updated_at = $2 WHERE id = $1`, runID, s.now().UTC())
	return err
}

func lockRun(ctx context.Context, tx *sql.Tx, runID string) (run.Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM execution_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", run.ErrNotFound, runID)
	}
	return run.Status(status), err
}

func insertStep(ctx context.Context, tx *sql.Tx, runID string, st run.StepExecution) error {
	outputID := st.OutputID
	if outputID == "" {
		outputID = kit.OutputID(st.Number)
	}
	executed := st.ExecutedAt
	if executed.IsZero() {
		executed = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO step_executions (run_id, step_number, output_id, input_text, input_char_count,
			output_text, output_char_count, evaluation_score, model_used, tokens_used, latency_ms, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		runID, st.Number, outputID, st.Input, st.InputChars, st.Output, st.OutputChars,
		st.Score, nullString(st.Model), st.Tokens, st.Latency.Milliseconds(), executed)
	return err
}

func marshalDynamic(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode dynamic inputs: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
