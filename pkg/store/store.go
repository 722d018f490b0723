// Package store keeps the sender log and ban list in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"wborgroupme/pkg/message"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var (
	// ErrUnknownMessage is returned when a uid was never recorded.
	ErrUnknownMessage = errors.New("no message recorded with that uid")
	// ErrNoSenderIdentity is returned for uids from producers whose sender
	// field names the producer, not a person.
	ErrNoSenderIdentity = errors.New("uid does not belong to an SMS sender")
)

// Stats summarizes one sender's history.
type Stats struct {
	Sender   string
	Messages int
	Images   int
	LastSeen time.Time
}

type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

// Open creates the database file and its parent directory when missing, then
// applies the schema.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")

	s := &Store{db: db, log: log.With("component", "store.sqlite"), now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.log.Debug("Store opened", "path", path)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordMessage logs who sent msg. Re-delivered uids keep their first record.
func (s *Store) RecordMessage(ctx context.Context, msg *message.Message) error {
	if msg == nil || msg.ID == "" {
		return errors.New("message id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(uid, source, sender, image_count, received_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(uid) DO NOTHING`,
		msg.ID, string(msg.Source), msg.Sender, len(msg.Images), s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record message %s: %w", msg.ID, err)
	}
	return nil
}

// IsBanned reports whether sender is on the ban list.
func (s *Store) IsBanned(ctx context.Context, sender string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM bans WHERE sender = ?`, sender).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check ban for %s: %w", sender, err)
	}
	return true, nil
}

// Ban adds the sender behind uid to the ban list and returns that sender.
func (s *Store) Ban(ctx context.Context, uid string) (string, error) {
	sender, _, err := s.senderFor(ctx, uid)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bans(sender, uid, banned_at) VALUES(?,?,?)
		 ON CONFLICT(sender) DO UPDATE SET uid=excluded.uid, banned_at=excluded.banned_at`,
		sender, uid, s.now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("ban sender of %s: %w", uid, err)
	}

	s.log.Info("Sender banned", "uid", uid)
	return sender, nil
}

// Unban removes the sender behind uid from the ban list.
func (s *Store) Unban(ctx context.Context, uid string) (string, error) {
	sender, _, err := s.senderFor(ctx, uid)
	if err != nil {
		return "", err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE sender = ?`, sender); err != nil {
		return "", fmt.Errorf("unban sender of %s: %w", uid, err)
	}

	s.log.Info("Sender unbanned", "uid", uid)
	return sender, nil
}

// Stats returns message and image counts for the sender behind uid.
func (s *Store) Stats(ctx context.Context, uid string) (Stats, error) {
	sender, source, err := s.senderFor(ctx, uid)
	if err != nil {
		return Stats{}, err
	}

	var (
		stats    = Stats{Sender: sender}
		lastSeen int64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(image_count), 0), COALESCE(MAX(received_at), 0)
		 FROM messages WHERE sender = ? AND source = ?`, sender, source,
	).Scan(&stats.Messages, &stats.Images, &lastSeen)
	if err != nil {
		return Stats{}, fmt.Errorf("stats for %s: %w", uid, err)
	}
	if lastSeen > 0 {
		stats.LastSeen = time.UnixMilli(lastSeen).UTC()
	}

	return stats, nil
}

// senderFor resolves uid to a per-sender identity. Messages from producers
// without one are refused so a ban never covers a whole source.
func (s *Store) senderFor(ctx context.Context, uid string) (string, string, error) {
	var sender, source string
	err := s.db.QueryRowContext(ctx, `SELECT sender, source FROM messages WHERE uid = ?`, uid).Scan(&sender, &source)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownMessage, uid)
	}
	if err != nil {
		return "", "", fmt.Errorf("look up %s: %w", uid, err)
	}
	if !message.Source(source).IdentifiesSender() || sender == "" {
		return "", "", fmt.Errorf("%w: %s came from %s", ErrNoSenderIdentity, uid, source)
	}
	return sender, source, nil
}
