// Package storage handles database connections, schema migrations, and data
// operations using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Driver sqlite
)

// metaLastReset is the meta key holding the month key of the last
// leaderboard reset.
const metaLastReset = "last_reset"

// PlayerStat is one row of the all-time leaderboard store.
type PlayerStat struct {
	Username       string
	Score          int64
	Seconds        int64
	LastSeen       time.Time
	LinkedIdentity string
}

// MonthStat is one row of the current-month leaderboard store.
type MonthStat struct {
	Username string
	Score    int64
	Seconds  int64
}

// PendingRequest is one registration request awaiting an admin decision.
type PendingRequest struct {
	Username    string
	RequesterID string
	RequestedAt time.Time
}

// Repository manages the SQLite database connection.
//
// All mutating methods serialize through one mutex: the aggregator's cycle
// persistence and the registration workflow write to the same tables from
// different goroutines, and concurrent writers must queue rather than
// interleave.
type Repository struct {
	db *sql.DB
	mu sync.Mutex
}

// New initializes a new SQLite connection, sets connection pool parameters, and runs migrations.
func New(dbPath string) (*Repository, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// LoadAllTime reads the full all-time store keyed by username.
func (r *Repository) LoadAllTime() (map[string]PlayerStat, error) {
	rows, err := r.db.Query(`
		SELECT username, score, seconds, last_seen, linked_identity
		FROM all_time_stats
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[string]PlayerStat)
	for rows.Next() {
		var s PlayerStat
		var lastSeen sql.NullTime
		var identity sql.NullString
		if err := rows.Scan(&s.Username, &s.Score, &s.Seconds, &lastSeen, &identity); err != nil {
			continue
		}
		s.LastSeen = lastSeen.Time
		s.LinkedIdentity = identity.String
		stats[s.Username] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// LoadMonth reads the full current-month store keyed by username.
func (r *Repository) LoadMonth() (map[string]MonthStat, error) {
	rows, err := r.db.Query(`SELECT username, score, seconds FROM month_stats`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[string]MonthStat)
	for rows.Next() {
		var s MonthStat
		if err := rows.Scan(&s.Username, &s.Score, &s.Seconds); err != nil {
			continue
		}
		stats[s.Username] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// SaveStats upserts the given all-time and month rows in one transaction,
// so a crash mid-cycle never leaves the two stores half written.
func (r *Repository) SaveStats(allTime []PlayerStat, month []MonthStat) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	for _, s := range allTime {
		_, err := tx.Exec(`
			INSERT INTO all_time_stats (username, score, seconds, last_seen, linked_identity)
			VALUES (?, ?, ?, ?, NULLIF(?, ''))
			ON CONFLICT(username) DO UPDATE SET
				score = excluded.score,
				seconds = excluded.seconds,
				last_seen = excluded.last_seen
		`, s.Username, s.Score, s.Seconds, s.LastSeen, s.LinkedIdentity)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert all-time %q: %w", s.Username, err)
		}
	}

	for _, s := range month {
		_, err := tx.Exec(`
			INSERT INTO month_stats (username, score, seconds)
			VALUES (?, ?, ?)
			ON CONFLICT(username) DO UPDATE SET
				score = excluded.score,
				seconds = excluded.seconds
		`, s.Username, s.Score, s.Seconds)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert month %q: %w", s.Username, err)
		}
	}

	return tx.Commit()
}

// LastResetKey returns the persisted month key of the last reset, or ""
// when no reset has ever been recorded.
func (r *Repository) LastResetKey() (string, error) {
	var key string
	err := r.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, metaLastReset).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	return key, nil
}

// ResetMonth clears the month store and records the new month key in one
// transaction. The all-time store is never touched here.
func (r *Repository) ResetMonth(monthKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM month_stats`); err != nil {
		_ = tx.Rollback()
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaLastReset, monthKey); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// GetRequest returns the pending request for username, or nil if none exists.
func (r *Repository) GetRequest(username string) (*PendingRequest, error) {
	var req PendingRequest
	err := r.db.QueryRow(`
		SELECT username, requester_id, requested_at
		FROM pending_requests WHERE username = ?
	`, username).Scan(&req.Username, &req.RequesterID, &req.RequestedAt)

	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, err
	}

	return &req, nil
}

// ListRequests returns all pending requests ordered oldest first.
func (r *Repository) ListRequests() ([]PendingRequest, error) {
	rows, err := r.db.Query(`
		SELECT username, requester_id, requested_at
		FROM pending_requests
		ORDER BY requested_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reqs []PendingRequest
	for rows.Next() {
		var req PendingRequest
		if err := rows.Scan(&req.Username, &req.RequesterID, &req.RequestedAt); err != nil {
			continue
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return reqs, nil
}

// HasPlayer reports whether username already exists in the all-time store.
func (r *Repository) HasPlayer(username string) (bool, error) {
	var one int
	err := r.db.QueryRow(`SELECT 1 FROM all_time_stats WHERE username = ?`, username).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// CreateRequest inserts a new pending request. It returns false without
// error when a request for the username already exists.
func (r *Repository) CreateRequest(req PendingRequest) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		INSERT OR IGNORE INTO pending_requests (username, requester_id, requested_at)
		VALUES (?, ?, ?)
	`, req.Username, req.RequesterID, req.RequestedAt)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// ApproveRequest consumes the pending request for username and creates its
// zeroed, identity-linked all-time row in the same transaction. It returns
// the requester identity and false when no request is pending, so a stale
// approval triggered twice is a no-op.
func (r *Repository) ApproveRequest(username string, now time.Time) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return "", false, err
	}

	var requesterID string
	err = tx.QueryRow(`
		SELECT requester_id FROM pending_requests WHERE username = ?
	`, username).Scan(&requesterID)
	if err == sql.ErrNoRows {
		_ = tx.Rollback()
		return "", false, nil
	}
	if err != nil {
		_ = tx.Rollback()
		return "", false, err
	}

	if _, err := tx.Exec(`
		INSERT INTO all_time_stats (username, score, seconds, last_seen, linked_identity)
		VALUES (?, 0, 0, ?, ?)
		ON CONFLICT(username) DO UPDATE SET linked_identity = excluded.linked_identity
	`, username, now, requesterID); err != nil {
		_ = tx.Rollback()
		return "", false, err
	}

	if _, err := tx.Exec(`DELETE FROM pending_requests WHERE username = ?`, username); err != nil {
		_ = tx.Rollback()
		return "", false, err
	}

	if err := tx.Commit(); err != nil {
		return "", false, err
	}

	return requesterID, true, nil
}

// RejectRequest deletes the pending request for username. It returns false
// when no request is pending.
func (r *Repository) RejectRequest(username string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`DELETE FROM pending_requests WHERE username = ?`, username)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// FindByIdentity returns the all-time row linked to the given external
// identity, or nil when the identity has no linked username.
func (r *Repository) FindByIdentity(identity string) (*PlayerStat, error) {
	var s PlayerStat
	var lastSeen sql.NullTime
	err := r.db.QueryRow(`
		SELECT username, score, seconds, last_seen, linked_identity
		FROM all_time_stats WHERE linked_identity = ?
	`, identity).Scan(&s.Username, &s.Score, &s.Seconds, &lastSeen, &s.LinkedIdentity)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.LastSeen = lastSeen.Time
	return &s, nil
}
