// Package store persists channel configurations in sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"channelgate/internal/migrations"
	"channelgate/internal/models"
	"channelgate/internal/security"
)

var (
	ErrNotFound = errors.New("channel config not found")
	ErrExists   = errors.New("channel config already exists")
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file if needed and applies pending migrations.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite permits a single writer; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := migrations.Apply(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectColumns = `channel_id, organization_id, user_id, channel_type, external_id,
	encrypted_config, webhook_url, webhook_secret, active, verified,
	connection_status, last_error, message_count, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConfig(row scanner) (*models.ChannelConfig, error) {
	var c models.ChannelConfig
	var channelType, status string
	if err := row.Scan(
		&c.ChannelID, &c.OrganizationID, &c.UserID, &channelType, &c.ExternalID,
		&c.EncryptedConfig, &c.WebhookURL, &c.WebhookSecret, &c.Active, &c.Verified,
		&status, &c.LastError, &c.MessageCount, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.ChannelType = models.ChannelType(channelType)
	c.ConnectionStatus = models.ConnectionStatus(status)
	return &c, nil
}

// Create inserts cfg. CreatedAt and UpdatedAt are set by the store.
func (s *Store) Create(ctx context.Context, cfg *models.ChannelConfig) error {
	now := s.now()
	if cfg.ConnectionStatus == "" {
		cfg.ConnectionStatus = models.StatusDisconnected
	}
	err := withRetry(ctx, "create channel config", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO channel_configs (
				channel_id, organization_id, user_id, channel_type, external_id,
				encrypted_config, webhook_url, webhook_secret, active, verified,
				connection_status, last_error, message_count, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cfg.ChannelID, cfg.OrganizationID, cfg.UserID, string(cfg.ChannelType), cfg.ExternalID,
			cfg.EncryptedConfig, cfg.WebhookURL, cfg.WebhookSecret, cfg.Active, cfg.Verified,
			string(cfg.ConnectionStatus), cfg.LastError, cfg.MessageCount, now, now,
		)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %s", ErrExists, cfg.ChannelID)
		}
		return err
	}
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	return nil
}

func (s *Store) Get(ctx context.Context, channelID string) (*models.ChannelConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM channel_configs WHERE channel_id = ?`, channelID)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel config: %w", err)
	}
	return cfg, nil
}

// ListActive returns every active channel, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]*models.ChannelConfig, error) {
	return s.list(ctx, `SELECT `+selectColumns+` FROM channel_configs WHERE active = 1 ORDER BY created_at, channel_id`)
}

func (s *Store) ListByOrganization(ctx context.Context, orgID string) ([]*models.ChannelConfig, error) {
	return s.list(ctx, `SELECT `+selectColumns+` FROM channel_configs WHERE organization_id = ? ORDER BY created_at, channel_id`, orgID)
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]*models.ChannelConfig, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel configs: %w", err)
	}
	defer rows.Close()

	var out []*models.ChannelConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel config: %w", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate channel configs: %w", err)
	}
	return out, nil
}

// Update rewrites the mutable fields of cfg. Status and counters are owned
// by UpdateStatus and IncrementMessageCount.
func (s *Store) Update(ctx context.Context, cfg *models.ChannelConfig) error {
	now := s.now()
	var affected int64
	err := withRetry(ctx, "update channel config", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE channel_configs SET
				user_id = ?, external_id = ?, encrypted_config = ?, webhook_url = ?,
				webhook_secret = ?, active = ?, verified = ?, updated_at = ?
			WHERE channel_id = ? AND organization_id = ?`,
			cfg.UserID, cfg.ExternalID, cfg.EncryptedConfig, cfg.WebhookURL,
			cfg.WebhookSecret, cfg.Active, cfg.Verified, now,
			cfg.ChannelID, cfg.OrganizationID,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	cfg.UpdatedAt = now
	return nil
}

// UpdateStatus records a connection status change and appends it to the
// status history in one transaction.
func (s *Store) UpdateStatus(ctx context.Context, channelID string, status models.ConnectionStatus, lastError string) error {
	now := s.now()
	return withRetry(ctx, "update channel status", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE channel_configs SET connection_status = ?, last_error = ?, updated_at = ?
			WHERE channel_id = ?`, string(status), lastError, now, channelID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_status_history (channel_id, status, error, recorded_at)
			VALUES (?, ?, ?, ?)`, channelID, string(status), lastError, now); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// StatusEntry is one row of channel_status_history.
type StatusEntry struct {
	Status     models.ConnectionStatus
	Error      string
	RecordedAt time.Time
}

// StatusHistory returns the most recent status changes, newest first.
func (s *Store) StatusHistory(ctx context.Context, channelID string, limit int) ([]StatusEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, error, recorded_at FROM channel_status_history
		WHERE channel_id = ? ORDER BY id DESC LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read status history: %w", err)
	}
	defer rows.Close()

	var out []StatusEntry
	for rows.Next() {
		var e StatusEntry
		var status string
		if err := rows.Scan(&status, &e.Error, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status history: %w", err)
		}
		e.Status = models.ConnectionStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) IncrementMessageCount(ctx context.Context, channelID string, n int64) error {
	return s.exec(ctx, "increment message count",
		`UPDATE channel_configs SET message_count = message_count + ? WHERE channel_id = ?`, n, channelID)
}

// Deactivate keeps the row but excludes it from ListActive.
func (s *Store) Deactivate(ctx context.Context, channelID string) error {
	return s.exec(ctx, "deactivate channel",
		`UPDATE channel_configs SET active = 0, updated_at = ? WHERE channel_id = ?`, s.now(), channelID)
}

func (s *Store) Delete(ctx context.Context, channelID string) error {
	return s.exec(ctx, "delete channel", `DELETE FROM channel_configs WHERE channel_id = ?`, channelID)
}

func (s *Store) exec(ctx context.Context, name, query string, args ...interface{}) error {
	var affected int64
	err := withRetry(ctx, name, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
