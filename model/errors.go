package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a member, role, channel or message no
	// longer exists.
	ErrNotFound = errors.New("not found")
	// ErrPermission is returned when the bot lacks a permission.
	ErrPermission = errors.New("missing permission")
	// ErrHierarchy matches every *HierarchyError.
	ErrHierarchy = errors.New("role hierarchy prevents this action")
)

// HierarchyError reports a role the bot cannot manage because it sits at or
// above the bot's highest role.
type HierarchyError struct {
	GuildID string
	RoleID  string
	Reason  string
}

func (e *HierarchyError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot manage role %s in guild %s: %s", e.RoleID, e.GuildID, e.Reason)
	}
	return fmt.Sprintf("cannot manage role %s in guild %s", e.RoleID, e.GuildID)
}

func (e *HierarchyError) Is(target error) bool {
	return target == ErrHierarchy
}
