package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Execution statuses.
const (
	ExecutionRunning   = "RUNNING"
	ExecutionSucceeded = "SUCCEEDED"
	ExecutionFailed    = "FAILED"
)

// JobLane is the lane number of job-level checkpoints.
const JobLane = -1

// ExecutionRecord is a persisted visitation execution.
type ExecutionRecord struct {
	Name      string
	ClassName string
	Input     json.RawMessage
	Status    string
	Result    json.RawMessage // nil until the execution finishes
	Error     string
}

// Checkpoint is the state of one lane after one step.
type Checkpoint struct {
	Execution string
	Seq       int64
	Lane      int
	Step      string
	State     json.RawMessage
}

// CreateExecution records a new RUNNING execution. Names are unique; a
// second create with the same name fails.
func (s *Store) CreateExecution(ctx context.Context, name, className string, input json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (name, class_name, input, status)
		VALUES (?, ?, ?, ?)
	`, name, className, string(input), ExecutionRunning)
	if err != nil {
		return fmt.Errorf("create execution %s: %w", name, err)
	}
	return nil
}

// GetExecution reads one execution. Returns ErrNotFound if it does not exist.
func (s *Store) GetExecution(ctx context.Context, name string) (*ExecutionRecord, error) {
	rec, err := scanExecution(s.db.QueryRowContext(ctx, `
		SELECT name, class_name, input, status, result, error
		FROM executions WHERE name = ?
	`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get execution %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", name, err)
	}
	return rec, nil
}

// FinishExecution moves an execution to a terminal status.
func (s *Store) FinishExecution(ctx context.Context, name, status string, result json.RawMessage, errMsg string) error {
	if status != ExecutionSucceeded && status != ExecutionFailed {
		return fmt.Errorf("finish execution %s: invalid status %q", name, status)
	}
	var resultArg any
	if result != nil {
		resultArg = string(result)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, result = ?, error = ? WHERE name = ?
	`, status, resultArg, errMsg, name)
	if err != nil {
		return fmt.Errorf("finish execution %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish execution %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("finish execution %s: %w", name, ErrNotFound)
	}
	return nil
}

// ListExecutions returns all executions ordered by name.
func (s *Store) ListExecutions(ctx context.Context) ([]ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, class_name, input, status, result, error
		FROM executions ORDER BY name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := []ExecutionRecord{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("list executions: scan: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: iterate: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	var input string
	var result sql.NullString
	if err := row.Scan(&rec.Name, &rec.ClassName, &input, &rec.Status, &result, &rec.Error); err != nil {
		return nil, err
	}
	rec.Input = json.RawMessage(input)
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	return &rec, nil
}

// WriteCheckpoint appends a checkpoint. Seq must be unique per execution.
func (s *Store) WriteCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (execution, seq, lane, step, state)
		VALUES (?, ?, ?, ?, ?)
	`, cp.Execution, cp.Seq, cp.Lane, cp.Step, string(cp.State))
	if err != nil {
		return fmt.Errorf("write checkpoint %s/%d: %w", cp.Execution, cp.Seq, err)
	}
	return nil
}

// LatestCheckpoints returns the newest checkpoint of every lane of an
// execution, keyed by lane. The job lane is JobLane.
func (s *Store) LatestCheckpoints(ctx context.Context, execution string) (map[int]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.seq, c.lane, c.step, c.state
		FROM checkpoints c
		WHERE c.execution = ? AND c.seq = (
			SELECT MAX(seq) FROM checkpoints
			WHERE execution = c.execution AND lane = c.lane
		)
		ORDER BY c.lane ASC
	`, execution)
	if err != nil {
		return nil, fmt.Errorf("latest checkpoints %s: %w", execution, err)
	}
	defer rows.Close()

	out := make(map[int]Checkpoint)
	for rows.Next() {
		cp := Checkpoint{Execution: execution}
		var state string
		if err := rows.Scan(&cp.Seq, &cp.Lane, &cp.Step, &state); err != nil {
			return nil, fmt.Errorf("latest checkpoints %s: scan: %w", execution, err)
		}
		cp.State = json.RawMessage(state)
		out[cp.Lane] = cp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("latest checkpoints %s: iterate: %w", execution, err)
	}
	return out, nil
}

// ReadCheckpoints returns every checkpoint of an execution in seq order.
func (s *Store) ReadCheckpoints(ctx context.Context, execution string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, lane, step, state FROM checkpoints
		WHERE execution = ? ORDER BY seq ASC
	`, execution)
	if err != nil {
		return nil, fmt.Errorf("read checkpoints %s: %w", execution, err)
	}
	defer rows.Close()

	out := []Checkpoint{}
	for rows.Next() {
		cp := Checkpoint{Execution: execution}
		var state string
		if err := rows.Scan(&cp.Seq, &cp.Lane, &cp.Step, &state); err != nil {
			return nil, fmt.Errorf("read checkpoints %s: scan: %w", execution, err)
		}
		cp.State = json.RawMessage(state)
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read checkpoints %s: iterate: %w", execution, err)
	}
	return out, nil
}

// MaxSeq returns the highest checkpoint seq of an execution, 0 if none.
func (s *Store) MaxSeq(ctx context.Context, execution string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM checkpoints WHERE execution = ?
	`, execution).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq %s: %w", execution, err)
	}
	return seq.Int64, nil
}
