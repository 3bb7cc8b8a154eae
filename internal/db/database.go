package db

import (
	"context"
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a user or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// Database backs the two external collaborators the protocol core
// consumes: user-identity lookup for presence enrichment and
// last-write-wins snapshot persistence for transcript content.
type Database struct {
	db *sql.DB
}

type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar"`
}

type Snapshot struct {
	TranscriptID string    `json:"transcript_id"`
	Content      string    `json:"content"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS transcript_snapshots (
		transcript_id TEXT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, email, avatar FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &user.Name, &user.Email, &user.Avatar)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	return &user, nil
}

func (d *Database) UpsertUser(ctx context.Context, user User) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, avatar) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email, avatar = excluded.avatar`,
		user.ID, user.Name, user.Email, user.Avatar)
	return errors.Wrap(err, "upsert user")
}

// SaveSnapshot persists the full current content of a transcript.
// Persistence is last-write-wins snapshotting; no operation log is
// kept, so this is also the whole recovery path after a reconnect.
func (d *Database) SaveSnapshot(ctx context.Context, transcriptID, content string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO transcript_snapshots (transcript_id, content, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(transcript_id) DO UPDATE SET content = excluded.content, updated_at = CURRENT_TIMESTAMP`,
		transcriptID, content)
	return errors.Wrap(err, "save snapshot")
}

func (d *Database) GetSnapshot(ctx context.Context, transcriptID string) (*Snapshot, error) {
	var snap Snapshot
	err := d.db.QueryRowContext(ctx,
		`SELECT transcript_id, content, updated_at FROM transcript_snapshots WHERE transcript_id = ?`,
		transcriptID,
	).Scan(&snap.TranscriptID, &snap.Content, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get snapshot")
	}
	return &snap, nil
}

func (d *Database) GetStats() (map[string]int, error) {
	stats := make(map[string]int)

	var users int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&users); err != nil {
		return nil, errors.Wrap(err, "count users")
	}
	stats["user_count"] = users

	var snapshots int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM transcript_snapshots`).Scan(&snapshots); err != nil {
		return nil, errors.Wrap(err, "count snapshots")
	}
	stats["snapshot_count"] = snapshots

	return stats, nil
}
