package store

import (
	"context"
	"database/sql"
	"time"

	iface "github.com/RocketWill/ByteWhisperer/interface"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Run is one image pushed through an engine.
type Run struct {
	ID         string            `json:"id"`
	Image      string            `json:"image"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Backend    string            `json:"backend"`
	EngineID   string            `json:"engineId,omitempty"`
	Found      int               `json:"found"`
	Truncated  bool              `json:"truncated"`
	Elapsed    time.Duration     `json:"elapsed"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	Detections []iface.Detection `json:"detections,omitempty"`
}

type RunRepository struct {
	db *sql.DB
}

func (s *Store) Runs() *RunRepository {
	return &RunRepository{db: s.db}
}

// Record inserts r and its detections in one transaction. Missing ID and
// CreatedAt are filled in.
func (r *RunRepository) Record(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, image, width, height, backend, engine_id, found, truncated, elapsed_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Image, run.Width, run.Height, run.Backend, run.EngineID, run.Found,
		run.Truncated, float64(run.Elapsed)/float64(time.Millisecond), run.Error, run.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert run %s", run.ID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO detections (run_id, rank, class_id, confidence, x, y, width, height)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare detections")
	}
	defer stmt.Close()
	for i, d := range run.Detections {
		if _, err := stmt.ExecContext(ctx, run.ID, i, d.ClassID, d.Confidence,
			d.Box.X, d.Box.Y, d.Box.Width, d.Box.Height); err != nil {
			return errors.Wrapf(err, "insert detection %d of run %s", i, run.ID)
		}
	}
	return tx.Commit()
}

const runColumns = `id, image, width, height, backend, engine_id, found, truncated, elapsed_ms, error, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var truncated int
	var elapsedMS float64
	err := row.Scan(&run.ID, &run.Image, &run.Width, &run.Height, &run.Backend, &run.EngineID,
		&run.Found, &truncated, &elapsedMS, &run.Error, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	run.Truncated = truncated != 0
	run.Elapsed = time.Duration(elapsedMS * float64(time.Millisecond))
	return run, nil
}

// Get returns a run with its detections in rank order.
func (r *RunRepository) Get(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT class_id, confidence, x, y, width, height
		 FROM detections WHERE run_id = ? ORDER BY rank`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var d iface.Detection
		if err := rows.Scan(&d.ClassID, &d.Confidence, &d.Box.X, &d.Box.Y, &d.Box.Width, &d.Box.Height); err != nil {
			return nil, err
		}
		run.Detections = append(run.Detections, d)
	}
	return run, rows.Err()
}

// List returns the most recent runs without their detections.
func (r *RunRepository) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *RunRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
