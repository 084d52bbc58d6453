package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
)

// Store persists confirmed items in a local SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Name identifies the backend in logs and /infra.
func (s *Store) Name() string { return "sqlite" }

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS items (
  id            TEXT PRIMARY KEY,
  url           TEXT NOT NULL,
  description   TEXT NOT NULL,
  submitted_at  INTEGER NOT NULL,
  posted_by_id  TEXT,
  posted_by     TEXT,
  votes         TEXT NOT NULL DEFAULT '[]',
  saved_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_submitted_at ON items(submitted_at DESC);
`)
	return err
}

// SaveMany upserts every confirmed item in one transaction and returns the
// number written. Stored votes are unioned with the incoming ones, so a
// snapshot never loses a vote.
func (s *Store) SaveMany(ctx context.Context, items []*domain.Item) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO items(id, url, description, submitted_at, posted_by_id, posted_by, votes, saved_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  votes    = excluded.votes,
  saved_at = excluded.saved_at
`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := s.now().UnixMilli()
	n := 0
	for _, it := range items {
		if it == nil || it.Provisional || it.ID == "" {
			continue
		}

		merged := it.Clone()
		if prev, err := loadVotes(ctx, tx, it.ID); err == nil {
			for key, v := range prev {
				if _, ok := merged.Votes[key]; !ok {
					merged.Votes[key] = v
				}
			}
		} else if !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}

		votes, err := json.Marshal(merged.VoteList())
		if err != nil {
			return 0, fmt.Errorf("marshal votes of %s: %w", it.ID, err)
		}

		var byID, byName sql.NullString
		if it.PostedBy != nil {
			byID = sql.NullString{String: it.PostedBy.ID, Valid: true}
			byName = sql.NullString{String: it.PostedBy.Name, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			it.ID, it.Payload.URL, it.Payload.Description, it.SubmittedAt.UnixMilli(),
			byID, byName, string(votes), now); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", it.ID, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func loadVotes(ctx context.Context, tx *sql.Tx, id string) (map[string]domain.Vote, error) {
	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT votes FROM items WHERE id = ?`, id).Scan(&raw); err != nil {
		return nil, err
	}
	return decodeVotes(raw)
}

func decodeVotes(raw string) (map[string]domain.Vote, error) {
	var list []domain.Vote
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decode votes: %w", err)
	}
	out := make(map[string]domain.Vote, len(list))
	for _, v := range list {
		if k := v.Key(); k != "" {
			out[k] = v
		}
	}
	return out, nil
}

// LoadAll returns every stored item, newest first.
func (s *Store) LoadAll(ctx context.Context) ([]*domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, url, description, submitted_at, posted_by_id, posted_by, votes
FROM items
ORDER BY submitted_at DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.Item, 0)
	for rows.Next() {
		var (
			it           domain.Item
			submittedAt  int64
			byID, byName sql.NullString
			votes        string
		)
		if err := rows.Scan(&it.ID, &it.Payload.URL, &it.Payload.Description, &submittedAt, &byID, &byName, &votes); err != nil {
			return nil, err
		}
		it.SubmittedAt = time.UnixMilli(submittedAt).UTC()
		if byID.Valid {
			it.PostedBy = &domain.UserRef{ID: byID.String, Name: byName.String}
		}
		if it.Votes, err = decodeVotes(votes); err != nil {
			return nil, fmt.Errorf("item %s: %w", it.ID, err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

// Prune removes items not saved since before cutoff and returns how many.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE saved_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
