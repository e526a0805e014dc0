// Package store is the PostgreSQL attendance ledger.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sankurisyam/face-reco-student/internal/ledger"
	"github.com/sankurisyam/face-reco-student/internal/logger"
	"github.com/sankurisyam/face-reco-student/internal/types"
)

// Store keeps one attendance cell per (roll_no, date, period) and implements
// ledger.Ledger with the same rules as the CSV tables.
type Store struct {
	pool    *pgxpool.Pool
	periods int
	log     *logger.Logger
}

var _ ledger.Ledger = (*Store)(nil)

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string, periods int) (*Store, error) {
	if periods < 1 {
		periods = ledger.DefaultPeriods
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool, periods: periods, log: logger.Named("store")}, nil
}

// initSchema creates the tables if they don't exist.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS students (
			roll_no TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			branch TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS attendance (
			roll_no TEXT NOT NULL REFERENCES students(roll_no),
			branch TEXT NOT NULL,
			date DATE NOT NULL,
			period INT NOT NULL CHECK (period > 0),
			status TEXT NOT NULL CHECK (status IN ('Present', 'Absent')),
			marked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (roll_no, date, period)
		);
		CREATE INDEX IF NOT EXISTS attendance_branch_date_idx ON attendance (branch, date);
	`)
	return err
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Periods returns the configured period count.
func (s *Store) Periods() int { return s.periods }

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Commit applies c in one transaction holding a per-branch advisory lock.
func (s *Store) Commit(ctx context.Context, c ledger.Commit) ([]ledger.Row, error) {
	if err := c.Validate(s.periods); err != nil {
		return nil, err
	}
	date := day(c.Date)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", c.Branch); err != nil {
		return nil, fmt.Errorf("lock branch %s: %w", c.Branch, err)
	}

	batch := &pgx.Batch{}
	ensure := func(st types.Student) {
		batch.Queue(`
			INSERT INTO students (roll_no, name, branch) VALUES ($1, $2, $3)
			ON CONFLICT (roll_no) DO UPDATE SET name = EXCLUDED.name, branch = EXCLUDED.branch
		`, st.RollNo, st.Name, st.Branch)
		// A new (roll_no, date) row starts with every period Absent.
		batch.Queue(`
			INSERT INTO attendance (roll_no, branch, date, period, status)
			SELECT $1, $2, $3, p, 'Absent' FROM generate_series(1, $4::int) AS p
			WHERE NOT EXISTS (SELECT 1 FROM attendance WHERE roll_no = $1 AND date = $3)
		`, st.RollNo, st.Branch, date, s.periods)
	}

	for _, st := range c.Roster {
		if st.Branch != c.Branch {
			continue
		}
		ensure(st)
		batch.Queue(`
			INSERT INTO attendance (roll_no, branch, date, period, status)
			VALUES ($1, $2, $3, $4, 'Absent')
			ON CONFLICT (roll_no, date, period) DO NOTHING
		`, st.RollNo, st.Branch, date, c.Period)
	}
	for _, st := range c.Present {
		ensure(st)
		batch.Queue(`
			INSERT INTO attendance (roll_no, branch, date, period, status)
			VALUES ($1, $2, $3, $4, 'Present')
			ON CONFLICT (roll_no, date, period) DO UPDATE SET status = 'Present', marked_at = NOW()
			WHERE attendance.status <> 'Present'
		`, st.RollNo, st.Branch, date, c.Period)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("commit %s period %d: %w", c.Branch, c.Period, err)
	}

	rows, err := s.query(ctx, tx, c.Branch, &date)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.log.Info().Str("branch", c.Branch).Str("date", ledger.FormatDate(c.Date)).Int("period", c.Period).
		Int("present", len(c.Present)).Msg("attendance committed")
	return rows, nil
}

// Rows returns every row of a branch ordered by date then roll number.
func (s *Store) Rows(ctx context.Context, branch string) ([]ledger.Row, error) {
	return s.query(ctx, s.pool, branch, nil)
}

// Branches lists the branches with at least one attendance cell.
func (s *Store) Branches(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT branch FROM attendance ORDER BY branch")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) query(ctx context.Context, q querier, branch string, date *time.Time) ([]ledger.Row, error) {
	rows, err := q.Query(ctx, `
		SELECT a.roll_no, s.name, a.branch, a.date, a.period, a.status
		FROM attendance a JOIN students s ON s.roll_no = a.roll_no
		WHERE a.branch = $1 AND ($2::date IS NULL OR a.date = $2)
		ORDER BY a.date, a.roll_no, a.period
	`, branch, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Row
	idx := map[string]int{}
	for rows.Next() {
		var (
			roll, name, br, status string
			d                      time.Time
			period                 int
		)
		if err := rows.Scan(&roll, &name, &br, &d, &period, &status); err != nil {
			return nil, err
		}
		k := roll + "|" + d.Format(time.DateOnly)
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, ledger.Row{
				RollNo:  roll,
				Name:    name,
				Branch:  br,
				Date:    ledger.FormatDate(d),
				Periods: make([]types.Status, s.periods),
			})
		}
		for len(out[i].Periods) < period {
			out[i].Periods = append(out[i].Periods, types.Unset)
		}
		out[i].Periods[period-1] = types.ParseStatus(status)
	}
	return out, rows.Err()
}

// Reset drops all application tables.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS attendance CASCADE;
		DROP TABLE IF EXISTS students CASCADE;
	`)
	return err
}
