package cases

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Service is the moderation log. Every guild numbers its cases from 1.
type Service struct {
	db *sqlx.DB
	mu sync.Mutex
}

// New ensures the cases table exists and returns a Service on db.
func New(db *sqlx.DB) (*Service, error) {
	casesSchema := `CREATE TABLE IF NOT EXISTS cases (
	          id INTEGER PRIMARY KEY AUTOINCREMENT,
	          guild_id TEXT NOT NULL,
	          case_number INTEGER NOT NULL,
	          action_type TEXT NOT NULL,
	          user_id TEXT NOT NULL,
	          moderator_id TEXT NOT NULL,
	          reason TEXT NOT NULL DEFAULT '',
	          created_at INTEGER NOT NULL,
	          until INTEGER,
	          ended_at INTEGER,
	          end_reason TEXT NOT NULL DEFAULT '',
	          amended_by TEXT NOT NULL DEFAULT '',
	          UNIQUE (guild_id, case_number)
	      );`
	if _, err := db.Exec(casesSchema); err != nil {
		return nil, fmt.Errorf("failed to create cases table: %w", err)
	}

	// Add new columns if they don't exist (for migration from old schema)
	alterStatements := []string{
		`ALTER TABLE cases ADD COLUMN ended_at INTEGER`,
		`ALTER TABLE cases ADD COLUMN end_reason TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE cases ADD COLUMN amended_by TEXT NOT NULL DEFAULT ''`,
	}
	for _, stmt := range alterStatements {
		_, err := db.Exec(stmt)
		if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return nil, fmt.Errorf("failed to execute ALTER statement %s: %w", stmt, err)
		}
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_cases_user ON cases (guild_id, user_id)`); err != nil {
		return nil, fmt.Errorf("failed to create cases index: %w", err)
	}

	return &Service{db: db}, nil
}
