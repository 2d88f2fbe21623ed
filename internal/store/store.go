// Package store persists the event log and agent snapshots in sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// snapshotOutputCap bounds the stored tail of terminal output per agent.
const snapshotOutputCap = 5000

// Store provides sqlite-backed storage for events and snapshots.
type Store struct {
	db *sqlx.DB
}

// New opens (creating if needed) the database at dbPath and ensures the schema.
func New(dbPath string) (*Store, error) {
	normalizedPath := normalizePath(dbPath)
	if err := ensureDir(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureFile(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", normalizedPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL DEFAULT (datetime('now')),
		agent_id TEXT NOT NULL,
		project_name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		created_at DATETIME NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS agent_snapshots (
		agent_id TEXT PRIMARY KEY,
		project_name TEXT NOT NULL,
		session_name TEXT NOT NULL,
		worktree_path TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		status TEXT NOT NULL,
		task_description TEXT,
		profile TEXT,
		created_at DATETIME NOT NULL,
		last_activity DATETIME NOT NULL,
		last_output TEXT,
		last_response TEXT,
		last_user_message TEXT,
		sub_agent_count INTEGER NOT NULL DEFAULT 0,
		parked INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id);
	CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_name);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LogEvent appends one event. Payload may be nil; non-string payloads are
// stored as JSON.
func (s *Store) LogEvent(ctx context.Context, agentID, project, kind string, payload any) error {
	var payloadStr sql.NullString
	switch p := payload.(type) {
	case nil:
	case string:
		payloadStr = sql.NullString{String: p, Valid: true}
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payloadStr = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (agent_id, project_name, event_type, payload) VALUES (?, ?, ?, ?)`,
		agentID, project, kind, payloadStr)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecentEvents returns events matching the filter, newest first.
func (s *Store) RecentEvents(ctx context.Context, filter EventFilter, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var clauses []string
	var args []any
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Project != "" {
		clauses = append(clauses, "project_name = ?")
		args = append(args, filter.Project)
	}
	if filter.Kind != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, filter.Kind)
	}

	query := "SELECT id, timestamp, agent_id, project_name, event_type, COALESCE(payload, '') AS payload, created_at FROM events"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	var events []Event
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}

// SaveSnapshot upserts the current state of an agent. The output tail is
// truncated so snapshots stay small.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	output := snap.LastOutput
	if len(output) > snapshotOutputCap {
		output = output[len(output)-snapshotOutputCap:]
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_snapshots
		 (agent_id, project_name, session_name, worktree_path, branch_name,
		  status, task_description, profile, created_at, last_activity,
		  last_output, last_response, last_user_message, sub_agent_count, parked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.AgentID, snap.Project, snap.SessionName, snap.WorktreePath, snap.BranchName,
		snap.Status, snap.Task, snap.Profile, snap.CreatedAt, snap.LastActivity,
		output, snap.LastResponse, snap.LastUserMessage, snap.SubAgentCount, snap.Parked)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshots returns all saved agent snapshots.
func (s *Store) LoadSnapshots(ctx context.Context) ([]Snapshot, error) {
	var snaps []Snapshot
	err := s.db.SelectContext(ctx, &snaps,
		`SELECT agent_id, project_name, session_name, worktree_path, branch_name,
		        status, COALESCE(task_description, '') AS task_description,
		        COALESCE(profile, '') AS profile,
		        created_at, last_activity, COALESCE(last_output, '') AS last_output,
		        COALESCE(last_response, '') AS last_response,
		        COALESCE(last_user_message, '') AS last_user_message,
		        sub_agent_count, parked
		 FROM agent_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	return snaps, nil
}

// LoadActiveSnapshots returns snapshots of agents that were not stopped.
func (s *Store) LoadActiveSnapshots(ctx context.Context) ([]Snapshot, error) {
	var snaps []Snapshot
	err := s.db.SelectContext(ctx, &snaps,
		`SELECT agent_id, project_name, session_name, worktree_path, branch_name,
		        status, COALESCE(task_description, '') AS task_description,
		        COALESCE(profile, '') AS profile,
		        created_at, last_activity, COALESCE(last_output, '') AS last_output,
		        COALESCE(last_response, '') AS last_response,
		        COALESCE(last_user_message, '') AS last_user_message,
		        sub_agent_count, parked
		 FROM agent_snapshots WHERE status != ?`, "stopped")
	if err != nil {
		return nil, fmt.Errorf("load active snapshots: %w", err)
	}
	return snaps, nil
}

// DeleteSnapshot removes a snapshot when an agent is killed.
func (s *Store) DeleteSnapshot(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_snapshots WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
