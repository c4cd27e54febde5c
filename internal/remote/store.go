// Package remote is the hosted runs table the app mirrors finished runs into.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backend-lari2gether/internal/db"
	"backend-lari2gether/internal/tracker"

	"github.com/jackc/pgx/v5"
)

var (
	ErrNotFound = errors.New("run not found")
	// ErrExists is returned by InsertRun when a matching row is already there.
	ErrExists = errors.New("run already stored")
)

const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id         BIGSERIAL PRIMARY KEY,
    client_id  TEXT,
    userid     TEXT NOT NULL,
    date       DATE NOT NULL,
    distance   DOUBLE PRECISION NOT NULL,
    time       TEXT NOT NULL,
    pace       DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS runs_user_client_idx ON runs (userid, client_id) WHERE client_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS runs_user_legacy_idx ON runs (userid, date, round(distance::numeric, 2), time) WHERE client_id IS NULL;
CREATE INDEX IF NOT EXISTS runs_user_date_idx ON runs (userid, date);
`

type Row struct {
	ID        int64     `json:"id"`
	ClientID  string    `json:"client_id,omitempty"`
	UserID    string    `json:"userid"`
	Date      string    `json:"date"`
	Distance  float64   `json:"distance"`
	Time      string    `json:"time"`
	Pace      float64   `json:"pace"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db db.Querier

	lazySchema  bool
	schemaMu    sync.Mutex
	schemaReady bool
}

type Option func(*Store)

// WithSchemaOnFirstUse applies Schema before the first query that succeeds in
// reaching the database, retrying on every call until it does.
func WithSchemaOnFirstUse() Option {
	return func(s *Store) { s.lazySchema = true }
}

func NewStore(db db.Querier, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return err
	}
	s.schemaReady = true
	return nil
}

func (s *Store) ready(ctx context.Context) error {
	if !s.lazySchema {
		return nil
	}
	s.schemaMu.Lock()
	done := s.schemaReady
	s.schemaMu.Unlock()
	if done {
		return nil
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure runs schema: %w", err)
	}
	return nil
}

// matchClause selects a run by client id when the projection has one and by
// the (userid, date, distance, time) tuple otherwise.
func matchClause(p tracker.Projection) (string, []any) {
	if p.ClientID != "" {
		return `userid=$1 AND client_id=$2`, []any{p.UserID, p.ClientID}
	}
	return `userid=$1 AND date=$2::date AND round(distance::numeric, 2)=round($3::numeric, 2) AND time=$4`,
		[]any{p.UserID, p.Date, p.DistanceKm, p.Time}
}

// FindRun returns ErrNotFound when no row matches.
func (s *Store) FindRun(ctx context.Context, p tracker.Projection) (Row, error) {
	if err := s.ready(ctx); err != nil {
		return Row{}, err
	}
	where, args := matchClause(p)
	row := s.db.QueryRow(ctx, `
		SELECT id, COALESCE(client_id,''), userid, date::text, distance, time, pace, created_at
		FROM runs WHERE `+where+`
		LIMIT 1
	`, args...)

	var r Row
	if err := row.Scan(&r.ID, &r.ClientID, &r.UserID, &r.Date, &r.Distance, &r.Time, &r.Pace, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Row{}, ErrNotFound
		}
		return Row{}, fmt.Errorf("find run: %w", err)
	}
	return r, nil
}

// InsertRun returns ErrExists when a concurrent sync stored the same run first.
func (s *Store) InsertRun(ctx context.Context, p tracker.Projection) (Row, error) {
	if err := s.ready(ctx); err != nil {
		return Row{}, err
	}
	r := Row{
		ClientID: p.ClientID,
		UserID:   p.UserID,
		Date:     p.Date,
		Distance: p.DistanceKm,
		Time:     p.Time,
		Pace:     p.PaceKmh,
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO runs (client_id, userid, date, distance, time, pace)
		VALUES (NULLIF($1,''), $2, $3::date, $4, $5, $6)
		ON CONFLICT DO NOTHING
		RETURNING id, created_at
	`, r.ClientID, r.UserID, r.Date, r.Distance, r.Time, r.Pace)
	if err := row.Scan(&r.ID, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Row{}, ErrExists
		}
		return Row{}, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

// DeleteRun removes matching rows and reports how many went.
func (s *Store) DeleteRun(ctx context.Context, p tracker.Projection) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	where, args := matchClause(p)
	tag, err := s.db.Exec(ctx, `DELETE FROM runs WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete run: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListRuns returns the user's stored runs, newest first.
func (s *Store) ListRuns(ctx context.Context, userID string) ([]Row, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, COALESCE(client_id,''), userid, date::text, distance, time, pace, created_at
		FROM runs WHERE userid=$1
		ORDER BY date DESC, created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.ClientID, &r.UserID, &r.Date, &r.Distance, &r.Time, &r.Pace, &r.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
