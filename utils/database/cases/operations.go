package cases

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"discord-restrict/model"
)

// CreateCase inserts c with the guild's next case number and returns that number.
func (s *Service) CreateCase(ctx context.Context, c model.Case) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.GetContext(ctx, &last, "SELECT MAX(case_number) FROM cases WHERE guild_id = ?", c.GuildID); err != nil {
		return 0, fmt.Errorf("failed to get last case number for guild %s: %w", c.GuildID, err)
	}
	c.CaseNumber = last.Int64 + 1

	query := `INSERT INTO cases (guild_id, case_number, action_type, user_id, moderator_id, reason, created_at, until, ended_at, end_reason, amended_by)
			  VALUES (:guild_id, :case_number, :action_type, :user_id, :moderator_id, :reason, :created_at, :until, :ended_at, :end_reason, :amended_by)`
	if _, err := tx.NamedExecContext(ctx, query, c); err != nil {
		return 0, fmt.Errorf("failed to insert case: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit case: %w", err)
	}
	return c.CaseNumber, nil
}

// AmendCase updates the non-nil fields of a.
func (s *Service) AmendCase(ctx context.Context, guildID string, caseNumber int64, a model.CaseAmendment) error {
	var sets []string
	var args []interface{}
	if a.ClearUntil {
		sets = append(sets, "until = NULL")
	} else if a.Until != nil {
		sets = append(sets, "until = ?")
		args = append(args, *a.Until)
	}
	if a.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *a.EndedAt)
	}
	if a.EndReason != nil {
		sets = append(sets, "end_reason = ?")
		args = append(args, *a.EndReason)
	}
	if a.AmendedBy != nil {
		sets = append(sets, "amended_by = ?")
		args = append(args, *a.AmendedBy)
	}
	if a.Reason != nil {
		sets = append(sets, "reason = ?")
		args = append(args, *a.Reason)
	}
	if len(sets) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := "UPDATE cases SET " + strings.Join(sets, ", ") + " WHERE guild_id = ? AND case_number = ?"
	args = append(args, guildID, caseNumber)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to amend case %d in guild %s: %w", caseNumber, guildID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected for case %d: %w", caseNumber, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("case %d in guild %s: %w", caseNumber, guildID, model.ErrNotFound)
	}
	return nil
}

// GetCase retrieves a single case by its per-guild number.
func (s *Service) GetCase(ctx context.Context, guildID string, caseNumber int64) (*model.Case, error) {
	var c model.Case
	query := "SELECT * FROM cases WHERE guild_id = ? AND case_number = ?"
	err := s.db.GetContext(ctx, &c, query, guildID, caseNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("case %d in guild %s: %w", caseNumber, guildID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get case %d in guild %s: %w", caseNumber, guildID, err)
	}
	return &c, nil
}

// ListCases retrieves a user's cases in a guild, newest first.
func (s *Service) ListCases(ctx context.Context, guildID, userID string) ([]model.Case, error) {
	var cases []model.Case
	query := "SELECT * FROM cases WHERE guild_id = ? AND user_id = ? ORDER BY case_number DESC"
	if err := s.db.SelectContext(ctx, &cases, query, guildID, userID); err != nil {
		return nil, fmt.Errorf("failed to list cases for user %s in guild %s: %w", userID, guildID, err)
	}
	return cases, nil
}
