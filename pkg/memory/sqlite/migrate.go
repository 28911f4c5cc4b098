package sqlite

import "fmt"

// schemaVersion is the PRAGMA user_version of a fully migrated database.
const schemaVersion = 2

// migrate brings the database to schemaVersion, one version at a time.
func (s *Store) migrate() error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int
	if err := tx.Get(&version, "PRAGMA user_version"); err != nil {
		return err
	}

	for version < schemaVersion {
		version++
		var stmts []string
		switch version {
		case 1:
			stmts = []string{schemaConversations, schemaAgentState}
		case 2:
			stmts = []string{schemaIndexes}
		default:
			return fmt.Errorf("unknown schema version: %d", version)
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("apply schema v%d: %w", version, err)
			}
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

const schemaConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT     NOT NULL,
    timestamp   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    role        TEXT     NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content     TEXT     NOT NULL,
    embedding   BLOB,
    metadata    TEXT
);
`

const schemaAgentState = `
CREATE TABLE IF NOT EXISTS agent_state (
    session_id      TEXT     PRIMARY KEY,
    current_step    INTEGER  NOT NULL DEFAULT 0 CHECK (current_step >= 0),
    last_question   TEXT     NOT NULL DEFAULT '',
    awaiting_reply  BOOLEAN  NOT NULL DEFAULT 0,
    context_json    TEXT     NOT NULL DEFAULT '{}',
    updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const schemaIndexes = `
CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations (session_id, id);
`
