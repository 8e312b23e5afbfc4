package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/harvestlab/qacrawl/internal/crawl"
)

const credentialsSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	token        TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	minted_at    INTEGER NOT NULL,
	last_used    INTEGER NOT NULL,
	successes    INTEGER NOT NULL DEFAULT 0,
	failures     INTEGER NOT NULL DEFAULT 0,
	consecutive  INTEGER NOT NULL DEFAULT 0
);`

// SQLiteStore persists credentials in a local sqlite file so the pool
// survives process restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and if needed creates) the credential database.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, credentialsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init credential schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns every persisted credential.
func (s *SQLiteStore) Load(ctx context.Context) ([]crawl.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, state, minted_at, last_used, successes, failures, consecutive FROM credentials`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var creds []crawl.Credential
	for rows.Next() {
		var c crawl.Credential
		var state string
		var minted, used int64
		if err := rows.Scan(&c.Token, &state, &minted, &used, &c.Successes, &c.Failures, &c.Consecutive); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.State = crawl.CredentialState(state)
		c.MintedAt = time.Unix(minted, 0).UTC()
		c.LastUsed = time.Unix(used, 0).UTC()
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}

// Save upserts one credential row.
func (s *SQLiteStore) Save(ctx context.Context, cred crawl.Credential) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials (token, state, minted_at, last_used, successes, failures, consecutive)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(token) DO UPDATE SET
	state = excluded.state,
	last_used = excluded.last_used,
	successes = excluded.successes,
	failures = excluded.failures,
	consecutive = excluded.consecutive`,
		cred.Token, string(cred.State), cred.MintedAt.Unix(), cred.LastUsed.Unix(),
		cred.Successes, cred.Failures, cred.Consecutive)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Prune deletes retired credentials older than the cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE state = ? AND minted_at < ?`,
		string(crawl.CredentialRetired), before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}
