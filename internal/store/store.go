package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voxlabs/voxconsole/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Agent is a configurable persona the user chats with. Settings holds
// per-agent overrides (model, sampling, voice) as a JSON document.
type Agent struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Title     string          `json:"title"`
	Persona   string          `json:"persona"`
	Color     string          `json:"color"`
	Type      string          `json:"type"`
	IsDefault bool            `json:"isDefault"`
	Settings  json.RawMessage `json:"settings,omitempty"`
	Position  int             `json:"-"`
}

// Conversation groups committed messages for one agent.
type Conversation struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one committed transcript entry.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// DefaultAgent is seeded on first start and cannot be deleted.
var DefaultAgent = Agent{
	ID:        "assistant",
	Name:      "Ai Assistant",
	Title:     "A friendly Ai Assistant",
	Persona:   "You are a friendly and helpful assistant. Do not use emojis. Use LaTeX notation for mathematical or scientific expressions only.",
	Color:     "#4f46e5",
	Type:      "multi-turn",
	IsDefault: true,
}

// Store wraps the SQLite-backed application state.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store, creating the schema and seeding the default
// agent when missing.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seedDefaultAgent(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS agents (
    agent_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    title TEXT,
    persona TEXT NOT NULL,
    color TEXT,
    agent_type TEXT,
    is_default INTEGER NOT NULL DEFAULT 0,
    settings BLOB,
    position INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS conversations (
    conversation_id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    title TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) seedDefaultAgent(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE is_default = 1`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	s.log.Info("seeding default agent", slog.String("agent_id", DefaultAgent.ID))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents(agent_id, name, title, persona, color, agent_type, is_default, settings, position, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, 1, NULL, 0, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET is_default=1`,
		DefaultAgent.ID, DefaultAgent.Name, DefaultAgent.Title, DefaultAgent.Persona,
		DefaultAgent.Color, DefaultAgent.Type, s.clock().UTC())
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// ListAgents returns all agents in display order, default agent first.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, name, title, persona, color, agent_type, is_default, settings, position
		 FROM agents ORDER BY is_default DESC, position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var isDefault int
		var settings []byte
		if err := rows.Scan(&a.ID, &a.Name, &a.Title, &a.Persona, &a.Color, &a.Type, &isDefault, &settings, &a.Position); err != nil {
			return nil, err
		}
		a.IsDefault = isDefault == 1
		a.Settings = settings
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// GetAgent looks up one agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	var a Agent
	var isDefault int
	var settings []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, name, title, persona, color, agent_type, is_default, settings, position
		 FROM agents WHERE agent_id = ?`, id).
		Scan(&a.ID, &a.Name, &a.Title, &a.Persona, &a.Color, &a.Type, &isDefault, &settings, &a.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, err
	}
	a.IsDefault = isDefault == 1
	a.Settings = settings
	return a, nil
}

// CreateAgent appends a new agent at the end of the display order.
func (s *Store) CreateAgent(ctx context.Context, a Agent) error {
	if a.ID == "" || a.Name == "" || a.Persona == "" {
		return fmt.Errorf("agent requires id, name and persona")
	}
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(position) FROM agents`).Scan(&max); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents(agent_id, name, title, persona, color, agent_type, is_default, settings, position, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		a.ID, a.Name, a.Title, a.Persona, a.Color, a.Type, []byte(a.Settings), max.Int64+1, s.clock().UTC())
	return err
}

// UpdateAgent rewrites the editable fields of an existing agent.
func (s *Store) UpdateAgent(ctx context.Context, a Agent) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name=?, title=?, persona=?, color=?, agent_type=?, settings=? WHERE agent_id=?`,
		a.Name, a.Title, a.Persona, a.Color, a.Type, []byte(a.Settings), a.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAgentSettings replaces only the per-agent settings document.
func (s *Store) UpdateAgentSettings(ctx context.Context, id string, settings json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET settings=? WHERE agent_id=?`, []byte(settings), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgent removes an agent. The default agent is protected.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id=? AND is_default=0`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReorderAgents applies a new display order. Ids missing from the list keep
// their relative order after the listed ones.
func (s *Store) ReorderAgents(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET position=? WHERE agent_id=?`, i+1, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateConversation registers a new conversation.
func (s *Store) CreateConversation(ctx context.Context, id, agentID, title string) (Conversation, error) {
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(conversation_id, agent_id, title, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?)`, id, agentID, title, now, now)
	if err != nil {
		return Conversation{}, err
	}
	return Conversation{ID: id, AgentID: agentID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// GetConversation looks up conversation metadata.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, agent_id, title, created_at, updated_at FROM conversations WHERE conversation_id=?`, id).
		Scan(&c.ID, &c.AgentID, &c.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

// RenameConversation updates the title only.
func (s *Store) RenameConversation(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title=?, updated_at=? WHERE conversation_id=?`,
		title, s.clock().UTC(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversations returns conversations newest first, optionally scoped to
// one agent.
func (s *Store) ListConversations(ctx context.Context, agentID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT conversation_id, agent_id, title, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC LIMIT ?`
	args := []any{limit}
	if agentID != "" {
		query = `SELECT conversation_id, agent_id, title, created_at, updated_at
		 FROM conversations WHERE agent_id=? ORDER BY updated_at DESC LIMIT ?`
		args = []any{agentID, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var created, updated string
		if err := rows.Scan(&c.ID, &c.AgentID, &c.Title, &created, &updated); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id=?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessages commits transcript entries atomically. A turn commit writes
// the user message and the assistant reply in one transaction so a crash
// never records half a turn.
func (s *Store) AppendMessages(ctx context.Context, conversationID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := s.clock().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages(conversation_id, role, content, created_at) VALUES(?, ?, ?, ?)`,
			conversationID, m.Role, m.Content, now); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at=? WHERE conversation_id=?`, now, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListMessages retrieves a conversation transcript in commit order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id=? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetSetting reads one settings value, decoding its JSON into v.
func (s *Store) GetSetting(ctx context.Context, key string, v any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// SetSetting writes one settings value as JSON.
func (s *Store) SetSetting(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, string(raw))
	return err
}

// LastModel remembers the model the user selected most recently.
func (s *Store) LastModel(ctx context.Context) (string, error) {
	var model string
	err := s.GetSetting(ctx, "last_model", &model)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return model, err
}

// SetLastModel persists the selected model name.
func (s *Store) SetLastModel(ctx context.Context, model string) error {
	return s.SetSetting(ctx, "last_model", model)
}

func parseTime(raw string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
