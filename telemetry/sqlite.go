package telemetry

import (
	"context"
	"database/sql"
	"math"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteSink writes rows into the steps table of a sqlite database.
type SQLiteSink struct {
	db  *sql.DB
	run string
}

// NewSQLiteSink opens (or creates) the database at path. Rows are tagged
// with run so several runs can share one file.
func NewSQLiteSink(path, run string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WithMessage(err, "open metrics db")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS steps(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run TEXT NOT NULL,
			ts INTEGER NOT NULL,
			step INTEGER NOT NULL,
			pending INTEGER NOT NULL,
			loss REAL,
			val_loss REAL,
			tokens INTEGER NOT NULL,
			seconds REAL NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, errors.WithMessage(err, "create steps table")
	}
	return &SQLiteSink{db: db, run: run}, nil
}

func nullable(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v) && !math.IsInf(v, 0)}
}

func (s *SQLiteSink) Record(ctx context.Context, m Metrics) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps(run, ts, step, pending, loss, val_loss, tokens, seconds) VALUES(?,?,?,?,?,?,?,?)`,
		s.run, m.At.Unix(), m.Step, m.Pending, nullable(m.Loss), nullable(m.ValLoss), m.Tokens, m.Duration.Seconds())
	return err
}

// Losses returns the recorded train losses of the run in insertion order.
func (s *SQLiteSink) Losses(ctx context.Context) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT loss FROM steps WHERE run = ? ORDER BY id`, s.run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var l sql.NullFloat64
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		if l.Valid {
			out = append(out, l.Float64)
		} else {
			out = append(out, math.NaN())
		}
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
