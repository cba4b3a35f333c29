package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-gateway/internal/domain"
)

// SQLiteStore implements Store using modernc.org/sqlite, the pure-Go
// driver the orchestrator runs under by default (see
// cmd/chatbridge's crypto store for the one place this repo still
// needs the cgo driver, mattn/go-sqlite3).
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

var schemaSQL = `
CREATE TABLE IF NOT EXISTS thread_sessions (
	session_key TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	username TEXT NOT NULL,
	repository_url TEXT NOT NULL,
	agent_session_id TEXT,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_activity DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS credential_cache (
	user_id TEXT PRIMARY KEY,
	db_role TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	secret_name TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	rotated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	session_key TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	agent_session_id TEXT,
	from_user_id TEXT NOT NULL,
	conversation_data BLOB,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (session_key, tenant_id)
);
CREATE INDEX IF NOT EXISTS idx_conversations_agent_session ON conversations(agent_session_id);

CREATE TABLE IF NOT EXISTS deployment_cache (
	session_key TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	user_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	ready_replicas INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	last_activity DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS repository_cache (
	username TEXT PRIMARY KEY,
	repository_url TEXT NOT NULL,
	cached_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_jobs (
	id TEXT PRIMARY KEY,
	queue_name TEXT NOT NULL,
	payload BLOB NOT NULL,
	state TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	retry_limit INTEGER NOT NULL DEFAULT 3,
	retry_delay_seconds INTEGER NOT NULL DEFAULT 30,
	singleton_key TEXT,
	expires_at DATETIME NOT NULL,
	start_after DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_jobs_singleton ON queue_jobs(queue_name, singleton_key) WHERE singleton_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim ON queue_jobs(queue_name, state, priority DESC, start_after);
`

// NewSQLiteStore opens (creating if needed) the orchestrator's local
// SQLite database in WAL mode.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertThreadSession(ctx context.Context, t *domain.ThreadSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_sessions (session_key, channel_id, user_id, username, repository_url, agent_session_id, status, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			channel_id=excluded.channel_id, user_id=excluded.user_id, username=excluded.username,
			repository_url=excluded.repository_url, agent_session_id=excluded.agent_session_id,
			status=excluded.status, last_activity=excluded.last_activity
	`, t.SessionKey, t.ChannelID, t.UserID, t.Username, t.RepositoryURL, nullableString(t.AgentSessionID), string(t.Status), t.CreatedAt, t.LastActivity)
	if err != nil {
		return fmt.Errorf("upserting thread session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetThreadSession(ctx context.Context, sessionKey string) (*domain.ThreadSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, channel_id, user_id, username, repository_url, agent_session_id, status, created_at, last_activity
		FROM thread_sessions WHERE session_key = ?`, sessionKey)
	var t domain.ThreadSession
	var agentSessionID sql.NullString
	var status string
	if err := row.Scan(&t.SessionKey, &t.ChannelID, &t.UserID, &t.Username, &t.RepositoryURL, &agentSessionID, &status, &t.CreatedAt, &t.LastActivity); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying thread session: %w", err)
	}
	t.AgentSessionID = agentSessionID.String
	t.Status = domain.ThreadStatus(status)
	return &t, nil
}

func (s *SQLiteStore) GetCredentialCache(ctx context.Context, userID string) (*CredentialCacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, db_role, password_hash, secret_name, created_at, rotated_at
		FROM credential_cache WHERE user_id = ?`, userID)
	var e CredentialCacheEntry
	if err := row.Scan(&e.UserID, &e.DBRole, &e.PasswordHash, &e.SecretName, &e.CreatedAt, &e.RotatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying credential cache: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) PutCredentialCache(ctx context.Context, e *CredentialCacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credential_cache (user_id, db_role, password_hash, secret_name, created_at, rotated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			db_role=excluded.db_role, password_hash=excluded.password_hash,
			secret_name=excluded.secret_name, rotated_at=excluded.rotated_at
	`, e.UserID, e.DBRole, e.PasswordHash, e.SecretName, e.CreatedAt, e.RotatedAt)
	if err != nil {
		return fmt.Errorf("caching credentials: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteCredentialCache(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credential_cache WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("evicting credential cache: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, sessionKey, tenantID string) (*domain.ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, tenant_id, agent_session_id, from_user_id, conversation_data, created_at, updated_at
		FROM conversations WHERE session_key = ? AND tenant_id = ?`, sessionKey, tenantID)
	var c domain.ConversationRecord
	var agentSessionID sql.NullString
	if err := row.Scan(&c.SessionKey, &c.TenantID, &agentSessionID, &c.FromUserID, &c.ConversationData, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	c.AgentSessionID = agentSessionID.String
	return &c, nil
}

func (s *SQLiteStore) UpsertConversation(ctx context.Context, c *domain.ConversationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (session_key, tenant_id, agent_session_id, from_user_id, conversation_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key, tenant_id) DO UPDATE SET
			agent_session_id=excluded.agent_session_id, from_user_id=excluded.from_user_id,
			conversation_data=excluded.conversation_data, updated_at=excluded.updated_at
	`, c.SessionKey, c.TenantID, nullableString(c.AgentSessionID), c.FromUserID, c.ConversationData, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetAgentSessionID(ctx context.Context, sessionKey, tenantID, agentSessionID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET agent_session_id = ?, updated_at = ? WHERE session_key = ? AND tenant_id = ?
	`, agentSessionID, now, sessionKey, tenantID)
	if err != nil {
		return fmt.Errorf("setting agent session id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("setting agent session id: %w", err)
	}
	if n == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (session_key, tenant_id, agent_session_id, from_user_id, created_at, updated_at)
			VALUES (?, ?, ?, '', ?, ?)
		`, sessionKey, tenantID, agentSessionID, now, now)
		if err != nil {
			return fmt.Errorf("creating conversation for agent session id: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) UpsertDeploymentCache(ctx context.Context, d *domain.WorkerDeployment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_cache (session_key, name, user_id, phase, ready_replicas, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			name=excluded.name, user_id=excluded.user_id, phase=excluded.phase,
			ready_replicas=excluded.ready_replicas, last_activity=excluded.last_activity
	`, d.SessionKey, d.Name, d.UserID, string(d.Phase), d.ReadyReplicas, d.CreatedAt, d.LastActivity)
	if err != nil {
		return fmt.Errorf("caching deployment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDeploymentCache(ctx context.Context, sessionKey string) (*domain.WorkerDeployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, name, user_id, phase, ready_replicas, created_at, last_activity
		FROM deployment_cache WHERE session_key = ?`, sessionKey)
	var d domain.WorkerDeployment
	var phase string
	if err := row.Scan(&d.SessionKey, &d.Name, &d.UserID, &phase, &d.ReadyReplicas, &d.CreatedAt, &d.LastActivity); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying deployment cache: %w", err)
	}
	d.Phase = domain.DeploymentPhase(phase)
	return &d, nil
}

func (s *SQLiteStore) ListActiveDeploymentCache(ctx context.Context) ([]*domain.WorkerDeployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, name, user_id, phase, ready_replicas, created_at, last_activity
		FROM deployment_cache
		WHERE phase NOT IN (?, ?)`, string(domain.PhaseAbsent), string(domain.PhaseDeleting))
	if err != nil {
		return nil, fmt.Errorf("listing deployment cache: %w", err)
	}
	defer rows.Close()

	var out []*domain.WorkerDeployment
	for rows.Next() {
		var d domain.WorkerDeployment
		var phase string
		if err := rows.Scan(&d.SessionKey, &d.Name, &d.UserID, &phase, &d.ReadyReplicas, &d.CreatedAt, &d.LastActivity); err != nil {
			return nil, fmt.Errorf("scanning deployment cache: %w", err)
		}
		d.Phase = domain.DeploymentPhase(phase)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetRepositoryURL(ctx context.Context, username string) (string, time.Time, error) {
	row := s.db.QueryRowContext(ctx, `SELECT repository_url, cached_at FROM repository_cache WHERE username = ?`, username)
	var url string
	var cachedAt time.Time
	if err := row.Scan(&url, &cachedAt); err != nil {
		if err == sql.ErrNoRows {
			return "", time.Time{}, ErrNotFound
		}
		return "", time.Time{}, fmt.Errorf("querying repository cache: %w", err)
	}
	return url, cachedAt, nil
}

func (s *SQLiteStore) PutRepositoryURL(ctx context.Context, username, url string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repository_cache (username, repository_url, cached_at) VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET repository_url=excluded.repository_url, cached_at=excluded.cached_at
	`, username, url, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("caching repository url: %w", err)
	}
	return nil
}

// DB exposes the underlying handle to internal/queue, which owns its
// own table in the same database.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
