package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/agentsupervisor/internal/common/apperr"
)

// metadataStore is the relational half of the Durable Event Log: one
// row per session, holding everything except event bodies.
type metadataStore struct {
	db *sql.DB
}

func newMetadataStore(dir string) (*metadataStore, error) {
	dbPath := filepath.Join(dir, "supervisor.db")
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, apperr.DiskError("open metadata database", err)
	}

	// SQLite only supports one writer; a single pooled connection avoids
	// SQLITE_BUSY under concurrent appends from many sessions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	m := &metadataStore{db: db}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, apperr.DiskError("initialize schema", err)
	}
	return m, nil
}

func (m *metadataStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		cwd TEXT NOT NULL,
		name TEXT DEFAULT '',
		status TEXT NOT NULL,
		available_modes TEXT DEFAULT '[]',
		current_mode_id TEXT DEFAULT '',
		project_context TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_client_id ON sessions(client_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
	`
	_, err := m.db.Exec(schema)
	return err
}

func (m *metadataStore) close() error {
	return m.db.Close()
}

func (m *metadataStore) saveSession(ctx context.Context, meta SessionMeta) error {
	modes, err := json.Marshal(meta.AvailableModes)
	if err != nil {
		modes = []byte("[]")
	}
	project, err := json.Marshal(meta.ProjectContext)
	if err != nil {
		project = []byte("{}")
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO sessions (id, client_id, kind, cwd, name, status, available_modes, current_mode_id, project_context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_id = excluded.client_id,
			kind = excluded.kind,
			cwd = excluded.cwd,
			name = excluded.name,
			status = excluded.status,
			available_modes = excluded.available_modes,
			current_mode_id = excluded.current_mode_id,
			project_context = excluded.project_context,
			updated_at = excluded.updated_at
	`, meta.ID, meta.ClientID, meta.Kind, meta.Cwd, meta.Name, meta.Status,
		string(modes), meta.CurrentModeID, string(project), meta.CreatedAt, meta.UpdatedAt)
	if err != nil {
		return apperr.DiskError("save session metadata", err)
	}
	return nil
}

func (m *metadataStore) loadSession(ctx context.Context, id string) (*SessionMeta, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, client_id, kind, cwd, name, status, available_modes, current_mode_id, project_context, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	meta, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.DiskError("load session metadata", err)
	}
	return meta, nil
}

func (m *metadataStore) loadAllSessions(ctx context.Context) ([]SessionMeta, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, client_id, kind, cwd, name, status, available_modes, current_mode_id, project_context, created_at, updated_at
		FROM sessions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, apperr.DiskError("load all sessions", err)
	}
	defer rows.Close()

	var result []SessionMeta
	for rows.Next() {
		meta, err := scanSession(rows)
		if err != nil {
			return nil, apperr.DiskError("scan session row", err)
		}
		result = append(result, *meta)
	}
	return result, rows.Err()
}

// rowScanner abstracts over *sql.Row and *sql.Rows, which share a Scan
// signature but no common interface in database/sql.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*SessionMeta, error) {
	var meta SessionMeta
	var modes, project string
	if err := row.Scan(&meta.ID, &meta.ClientID, &meta.Kind, &meta.Cwd, &meta.Name, &meta.Status,
		&modes, &meta.CurrentModeID, &project, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(modes), &meta.AvailableModes)
	_ = json.Unmarshal([]byte(project), &meta.ProjectContext)
	return &meta, nil
}

func (m *metadataStore) deleteSession(ctx context.Context, id string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return apperr.DiskError("delete session metadata", err)
	}
	return nil
}

func (m *metadataStore) updateStatus(ctx context.Context, id string, status SessionStatus) error {
	return m.touch(ctx, id, "status", string(status))
}

func (m *metadataStore) updateName(ctx context.Context, id string, name string) error {
	return m.touch(ctx, id, "name", name)
}

func (m *metadataStore) updateMode(ctx context.Context, id string, modeID string) error {
	return m.touch(ctx, id, "current_mode_id", modeID)
}

func (m *metadataStore) updateProjectContext(ctx context.Context, id string, pc ProjectContext) error {
	data, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("marshal project context: %w", err)
	}
	return m.touch(ctx, id, "project_context", string(data))
}

// touch updates one column plus updated_at in a single statement; used
// for every explicit metadata mutation, each of which supersedes any
// pending debounced updated_at flush from event appends.
func (m *metadataStore) touch(ctx context.Context, id, column, value string) error {
	query := fmt.Sprintf(`UPDATE sessions SET %s = ?, updated_at = ? WHERE id = ?`, column)
	_, err := m.db.ExecContext(ctx, query, value, time.Now().UTC(), id)
	if err != nil {
		return apperr.DiskError("update session metadata", err)
	}
	return nil
}

// touchUpdatedAt bumps only updated_at, used by the debounced flush
// triggered by event appends.
func (m *metadataStore) touchUpdatedAt(ctx context.Context, id string) error {
	_, err := m.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return apperr.DiskError("touch session updated_at", err)
	}
	return nil
}
