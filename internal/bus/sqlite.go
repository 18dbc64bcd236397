package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trailguard/internal/domain"
	"trailguard/internal/store"
	"trailguard/internal/util"
)

var _ CommandBus = (*SQLiteBus)(nil)

const commandsSchema = `CREATE TABLE IF NOT EXISTS commands (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	command_id TEXT NOT NULL UNIQUE,
	profile_id TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	claimed_at INTEGER
)`

// SQLiteBus is a durable command queue in a SQLite table. Publishers and the
// engine may live in different processes; each command is claimed by exactly
// one consumer. Engines for several profiles can share one file: a bus opened
// for a profile only claims that profile's commands.
type SQLiteBus struct {
	db        *sql.DB
	profileID string
	poll      time.Duration
	log       *slog.Logger
}

// NewSQLiteBus opens the queue at dbPath. Consume and Pending are limited to
// profileID; an empty profileID sees every profile, which suits publishers.
// poll is the idle polling interval.
func NewSQLiteBus(dbPath, profileID string, poll time.Duration, log *slog.Logger) (*SQLiteBus, error) {
	db, err := store.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(commandsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating commands table: %w", err)
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &SQLiteBus{
		db:        db,
		profileID: profileID,
		poll:      poll,
		log:       log.With("bus", "sqlite", "profile_id", profileID),
	}, nil
}

// Publish inserts the command. Republishing an ID already queued is a no-op.
func (b *SQLiteBus) Publish(ctx context.Context, cmd domain.Command) error {
	body, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("encoding command %s: %w", cmd.ID, err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO commands (command_id, profile_id, body, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (command_id) DO NOTHING`,
		cmd.ID, cmd.ProfileID, string(body), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("publishing command %s: %w", cmd.ID, err)
	}
	return nil
}

// Consume implements CommandBus.
func (b *SQLiteBus) Consume(ctx context.Context) <-chan domain.Command {
	out := make(chan domain.Command)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			body, err := b.claim(ctx)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				if util.Sleep(ctx, b.poll) != nil {
					return
				}
				continue
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				b.log.Error("reading command queue", "error", err)
				if util.Sleep(ctx, retryDelay) != nil {
					return
				}
				continue
			}

			cmd, err := domain.DecodeCommand([]byte(body))
			if err != nil {
				b.log.Warn("dropping undecodable command", "error", err)
				continue
			}
			select {
			case out <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// claim marks the oldest unclaimed command of the bus profile as claimed and
// returns its body.
func (b *SQLiteBus) claim(ctx context.Context) (string, error) {
	var body string
	err := b.db.QueryRowContext(ctx, `
		UPDATE commands SET claimed_at = ?
		WHERE seq = (
			SELECT seq FROM commands
			WHERE claimed_at IS NULL AND (? = '' OR profile_id = ?)
			ORDER BY seq LIMIT 1)
		RETURNING body`, time.Now().UnixNano(), b.profileID, b.profileID).Scan(&body)
	return body, err
}

// Pending returns the number of unclaimed commands for the bus profile.
func (b *SQLiteBus) Pending(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM commands
		WHERE claimed_at IS NULL AND (? = '' OR profile_id = ?)`,
		b.profileID, b.profileID).Scan(&n)
	return n, err
}

// Close closes the database.
func (b *SQLiteBus) Close() error {
	return b.db.Close()
}
