package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"discord-restrict/model"

	"github.com/jmoiron/sqlx"
)

// Get returns the value stored under key for scope, or nil when unset.
func (s *Store) Get(ctx context.Context, scope model.Scope, key string) ([]byte, error) {
	var value string
	query := "SELECT value FROM config_values WHERE guild_id = ? AND role_id = ? AND key = ?"
	err := s.db.GetContext(ctx, &value, query, scope.GuildID, scope.RoleID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s for %s: %w", key, scope, err)
	}
	return []byte(value), nil
}

// Set stores value under key for scope. A nil value deletes the key.
func (s *Store) Set(ctx context.Context, scope model.Scope, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := write(ctx, s.db, scope, key, value); err != nil {
		return fmt.Errorf("failed to set %s for %s: %w", key, scope, err)
	}
	return nil
}

// AtomicUpdate reads the current value, passes it to fn and writes back what
// fn returns, all inside one transaction. fn sees nil when the key is unset;
// returning nil deletes it. An error from fn aborts without writing.
func (s *Store) AtomicUpdate(ctx context.Context, scope model.Scope, key string, fn func(cur []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var cur []byte
	var value string
	query := "SELECT value FROM config_values WHERE guild_id = ? AND role_id = ? AND key = ?"
	err = tx.GetContext(ctx, &value, query, scope.GuildID, scope.RoleID, key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read %s for %s: %w", key, scope, err)
	default:
		cur = []byte(value)
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	if err := write(ctx, tx, scope, key, next); err != nil {
		return fmt.Errorf("failed to write %s for %s: %w", key, scope, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s for %s: %w", key, scope, err)
	}
	return nil
}

// Scopes lists every scope that holds key.
func (s *Store) Scopes(ctx context.Context, key string) ([]model.Scope, error) {
	var scopes []model.Scope
	query := "SELECT guild_id, role_id FROM config_values WHERE key = ? ORDER BY guild_id, role_id"
	if err := s.db.SelectContext(ctx, &scopes, query, key); err != nil {
		return nil, fmt.Errorf("failed to list scopes for %s: %w", key, err)
	}
	return scopes, nil
}

// DeleteGuild drops every value stored for a guild.
func (s *Store) DeleteGuild(ctx context.Context, guildID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM config_values WHERE guild_id = ?", guildID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete config for guild %s: %w", guildID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected for guild %s: %w", guildID, err)
	}
	return rowsAffected, nil
}

func write(ctx context.Context, db sqlx.ExecerContext, scope model.Scope, key string, value []byte) error {
	if value == nil {
		_, err := db.ExecContext(ctx,
			"DELETE FROM config_values WHERE guild_id = ? AND role_id = ? AND key = ?",
			scope.GuildID, scope.RoleID, key)
		return err
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO config_values (guild_id, role_id, key, value, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (guild_id, role_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		scope.GuildID, scope.RoleID, key, string(value), time.Now().Unix())
	return err
}
