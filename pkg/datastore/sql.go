package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/parley-chat/parley/pkg/model"
)

// Store is the SQLite-backed DataStore.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open db: %w", err)
	}

	ctx := context.Background()

	// WAL for concurrent reads, busy timeout against "database is locked".
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("datastore: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		server_id     TEXT NOT NULL,
		username      TEXT NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		password_hash TEXT NOT NULL,
		created_at    TEXT NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS channels (
		id         TEXT PRIMARY KEY,
		server_id  TEXT NOT NULL,
		name       TEXT NOT NULL,
		type       TEXT NOT NULL CHECK(type IN ('TEXT', 'VOICE')),
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		author_id  TEXT NOT NULL,
		timestamp  INTEGER NOT NULL,
		content    TEXT NOT NULL DEFAULT '',
		edited     INTEGER NOT NULL DEFAULT 0,
		deleted    INTEGER NOT NULL DEFAULT 0,
		reactions  TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, timestamp);
	`

	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{version: 1, statements: []string{schema}},
		{version: 2, statements: []string{
			"ALTER TABLE users ADD COLUMN roles TEXT NOT NULL DEFAULT ''",
		}},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migration %d: %w", m.version, err)
			}
		}
		if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", m.version); err != nil {
			return fmt.Errorf("datastore: record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

// ---- Channels ----

// SaveChannel inserts or updates a channel row.
func (s *Store) SaveChannel(serverID string, ch *model.Channel) error {
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("datastore: save channel: %w", err)
	}
	_, err := s.db.ExecContext(context.Background(),
		"INSERT INTO channels (id, server_id, name, type) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name",
		ch.ID, serverID, ch.Name, ch.Type.String())
	if err != nil {
		return fmt.Errorf("datastore: save channel: %w", err)
	}
	return nil
}

// DeleteChannel removes a channel together with its message log.
func (s *Store) DeleteChannel(channelID string) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datastore: delete channel: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM channels WHERE id = ?", channelID); err != nil {
		return fmt.Errorf("datastore: delete channel: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE channel_id = ?", channelID); err != nil {
		return fmt.Errorf("datastore: delete channel messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datastore: delete channel: %w", err)
	}
	return nil
}

// LoadChannels returns channel metadata for a server id.
func (s *Store) LoadChannels(serverID string) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT id, name, type FROM channels WHERE server_id = ? ORDER BY rowid", serverID)
	if err != nil {
		return nil, fmt.Errorf("datastore: load channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []model.Channel
	for rows.Next() {
		var ch model.Channel
		var typeStr string
		if err := rows.Scan(&ch.ID, &ch.Name, &typeStr); err != nil {
			return nil, fmt.Errorf("datastore: scan channel: %w", err)
		}
		chType, err := model.ParseChannelType(typeStr)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan channel %s: %w", ch.ID, err)
		}
		ch.Type = chType
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ---- Messages ----

// SaveMessage inserts or updates a message row, reactions serialized as
// a JSON emoji -> user-id-list map.
func (s *Store) SaveMessage(channelID string, msg *model.Message) error {
	reactions, err := encodeReactions(msg.Reactions)
	if err != nil {
		return fmt.Errorf("datastore: save message: %w", err)
	}
	_, err = s.db.ExecContext(context.Background(),
		`INSERT INTO messages (id, channel_id, author_id, timestamp, content, edited, deleted, reactions)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET content = excluded.content, edited = excluded.edited,
		   deleted = excluded.deleted, reactions = excluded.reactions`,
		msg.ID, channelID, msg.AuthorID, msg.Timestamp, msg.Content,
		boolInt(msg.Edited), boolInt(msg.Deleted), reactions)
	if err != nil {
		return fmt.Errorf("datastore: save message: %w", err)
	}
	return nil
}

// LoadMessages returns a channel's messages ordered by timestamp with
// insertion order (rowid) breaking ties.
func (s *Store) LoadMessages(channelID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, author_id, timestamp, content, edited, deleted, reactions
		 FROM messages WHERE channel_id = ? ORDER BY timestamp, rowid`, channelID)
	if err != nil {
		return nil, fmt.Errorf("datastore: load messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var edited, deleted int
		var reactions string
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.Timestamp, &m.Content, &edited, &deleted, &reactions); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.Edited = edited != 0
		m.Deleted = deleted != 0
		decoded, err := decodeReactions(reactions)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan message %s: %w", m.ID, err)
		}
		m.Reactions = decoded
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ---- Users ----

// SaveUser inserts or updates a user row.
func (s *Store) SaveUser(serverID string, u *model.User) error {
	if err := model.ValidateUsername(u.Username); err != nil {
		return fmt.Errorf("datastore: save user: %w", err)
	}
	_, err := s.db.ExecContext(context.Background(),
		"INSERT INTO users (id, server_id, username, password_hash, roles) VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO UPDATE SET password_hash = excluded.password_hash, roles = excluded.roles",
		u.ID, serverID, u.Username, u.PasswordHash, encodeRoles(u.RoleIDs))
	if err != nil {
		return fmt.Errorf("datastore: save user: %w", err)
	}
	return nil
}

// LoadUsers returns all users of a server.
func (s *Store) LoadUsers(serverID string) ([]model.User, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT id, username, password_hash, roles FROM users WHERE server_id = ? ORDER BY rowid", serverID)
	if err != nil {
		return nil, fmt.Errorf("datastore: load users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		var u model.User
		var roles string
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &roles); err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		u.RoleIDs = decodeRoles(roles)
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetUserByUsername returns a user by exact username, or nil.
func (s *Store) GetUserByUsername(serverID, username string) (*model.User, error) {
	u := &model.User{}
	var roles string
	err := s.db.QueryRowContext(context.Background(),
		"SELECT id, username, password_hash, roles FROM users WHERE server_id = ? AND username = ?",
		serverID, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &roles)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	u.RoleIDs = decodeRoles(roles)
	return u, nil
}

// ---- Helpers ----

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeRoles serializes a role id set as a sorted comma-joined string.
func encodeRoles(roleIDs map[string]bool) string {
	if len(roleIDs) == 0 {
		return ""
	}
	ids := make([]string, 0, len(roleIDs))
	for id := range roleIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func decodeRoles(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	roleIDs := make(map[string]bool)
	for _, id := range strings.Split(raw, ",") {
		roleIDs[id] = true
	}
	return roleIDs
}

func encodeReactions(reactions map[string]map[string]bool) (string, error) {
	if len(reactions) == 0 {
		return "{}", nil
	}
	flat := make(map[string][]string, len(reactions))
	for emoji, reactors := range reactions {
		ids := make([]string, 0, len(reactors))
		for id := range reactors {
			ids = append(ids, id)
		}
		flat[emoji] = ids
	}
	data, err := json.Marshal(flat)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeReactions(raw string) (map[string]map[string]bool, error) {
	var flat map[string][]string
	if err := json.Unmarshal([]byte(raw), &flat); err != nil {
		return nil, err
	}
	if len(flat) == 0 {
		return nil, nil
	}
	reactions := make(map[string]map[string]bool, len(flat))
	for emoji, ids := range flat {
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		reactions[emoji] = set
	}
	return reactions, nil
}
