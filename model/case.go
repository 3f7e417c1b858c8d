package model

// Case is a single moderation-log entry. The database table is 'cases';
// case numbers are sequential per guild.
type Case struct {
	ID          int64  `db:"id"` // Primary Key, Auto-increment
	GuildID     string `db:"guild_id"`
	CaseNumber  int64  `db:"case_number"`
	ActionType  string `db:"action_type"` // Restriction kind (e.g. "punish", "isolate")
	UserID      string `db:"user_id"`
	ModeratorID string `db:"moderator_id"`
	Reason      string `db:"reason"`
	CreatedAt   int64  `db:"created_at"`
	Until       *int64 `db:"until"` // Unix seconds, NULL = indefinite
	EndedAt     *int64 `db:"ended_at"`
	EndReason   string `db:"end_reason"`
	AmendedBy   string `db:"amended_by"`
}

// CaseAmendment lists the fields of a case that may change after creation.
// Nil fields are left untouched.
type CaseAmendment struct {
	Until *int64
	// ClearUntil makes the case indefinite. It wins over Until.
	ClearUntil bool
	EndedAt    *int64
	EndReason  *string
	AmendedBy  *string
	Reason     *string
}
