package model

import "time"

// Subject identifies a restricted member: a user within a guild.
type Subject struct {
	GuildID string `json:"guild_id"`
	UserID  string `json:"user_id"`
}

func (s Subject) String() string {
	return s.GuildID + "/" + s.UserID
}

// RestrictionRecord is the persisted state of one active restriction.
// There is at most one record per Subject.
type RestrictionRecord struct {
	StartTime       time.Time  `json:"start_time"`
	Until           *time.Time `json:"until"` // nil = indefinite
	ModeratorID     string     `json:"moderator_id"`
	Reason          string     `json:"reason,omitempty"`
	RemovedRoleIDs  []string   `json:"removed_role_ids"`
	CaseNumber      *int64     `json:"case_number,omitempty"`
	UnmuteOnRelease bool       `json:"unmute_on_release,omitempty"`
}

// Indefinite reports whether the restriction has no end time.
func (r *RestrictionRecord) Indefinite() bool {
	return r.Until == nil
}

// Expired reports whether the end time has been reached at now.
func (r *RestrictionRecord) Expired(now time.Time) bool {
	return r.Until != nil && !r.Until.After(now)
}

// Remaining returns the time left until the end time, or 0 when the record
// is indefinite or already expired.
func (r *RestrictionRecord) Remaining(now time.Time) time.Duration {
	if r.Until == nil {
		return 0
	}
	if d := r.Until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Scope addresses a unit of per-guild configuration. RoleID is empty for
// guild-wide values.
type Scope struct {
	GuildID string `db:"guild_id"`
	RoleID  string `db:"role_id"`
}

func GuildScope(guildID string) Scope {
	return Scope{GuildID: guildID}
}

func RoleScope(guildID, roleID string) Scope {
	return Scope{GuildID: guildID, RoleID: roleID}
}

func (s Scope) String() string {
	if s.RoleID == "" {
		return s.GuildID
	}
	return s.GuildID + "/" + s.RoleID
}
