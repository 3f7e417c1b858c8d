package settings

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Store keeps per-guild configuration values. Values are opaque blobs
// (the restriction engine writes JSON) addressed by scope and key.
type Store struct {
	db *sqlx.DB
	// serialises AtomicUpdate so a read-modify-write never interleaves
	mu sync.Mutex
}

// New ensures the config_values table exists and returns a Store on db.
func New(db *sqlx.DB) (*Store, error) {
	schema := `CREATE TABLE IF NOT EXISTS config_values (
	          guild_id TEXT NOT NULL,
	          role_id TEXT NOT NULL DEFAULT '',
	          key TEXT NOT NULL,
	          value TEXT NOT NULL,
	          updated_at INTEGER NOT NULL DEFAULT 0,
	          PRIMARY KEY (guild_id, role_id, key)
	      );`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create config_values table: %w", err)
	}

	// Databases created before updated_at existed.
	alterStatements := []string{
		`ALTER TABLE config_values ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0`,
	}
	for _, stmt := range alterStatements {
		_, err := db.Exec(stmt)
		if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return nil, fmt.Errorf("failed to execute ALTER statement %s: %w", stmt, err)
		}
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_config_values_key ON config_values (key)`); err != nil {
		return nil, fmt.Errorf("failed to create config_values index: %w", err)
	}

	return &Store{db: db}, nil
}
