package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pliu/heartline/internal/models"
	"github.com/pliu/heartline/internal/store"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// every sqlite connection to :memory: is its own database
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		nickname TEXT,
		avatar TEXT,
		password TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		content TEXT,
		media_url TEXT,
		created_at TEXT NOT NULL,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		is_typing BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS messages_receiver_idx ON messages (receiver_id, created_at);
	CREATE INDEX IF NOT EXISTS messages_sender_idx ON messages (sender_id, created_at);

	CREATE TABLE IF NOT EXISTS personality_tests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		extraversion INTEGER NOT NULL DEFAULT 0,
		sensing INTEGER NOT NULL DEFAULT 0,
		thinking INTEGER NOT NULL DEFAULT 0,
		judging INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(models.TimestampLayout)
}

// parseTimestamp accepts the stored layout plus the common SQL defaults. An
// unparseable value yields the Unix epoch so the row sorts as oldest.
func parseTimestamp(value string) time.Time {
	for _, layout := range []string{models.TimestampLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Unix(0, 0).UTC()
}

func (s *SQLStore) CreateProfile(ctx context.Context, profile *models.Profile) error {
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	query := s.rebind("INSERT INTO profiles (id, username, nickname, avatar, password) VALUES (?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, profile.ID, profile.Username, profile.Nickname, profile.Avatar, profile.Password)
	if err != nil {
		return fmt.Errorf("insert profile %q: %w", profile.Username, err)
	}
	return nil
}

func (s *SQLStore) getProfile(ctx context.Context, column, value string) (*models.Profile, error) {
	var p models.Profile
	query := s.rebind("SELECT id, username, COALESCE(nickname, ''), COALESCE(avatar, ''), password FROM profiles WHERE " + column + " = ?")
	err := s.db.QueryRowContext(ctx, query, value).Scan(&p.ID, &p.Username, &p.Nickname, &p.Avatar, &p.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLStore) GetProfileByUsername(ctx context.Context, username string) (*models.Profile, error) {
	return s.getProfile(ctx, "username", username)
}

func (s *SQLStore) GetProfileByID(ctx context.Context, id string) (*models.Profile, error) {
	return s.getProfile(ctx, "id", id)
}

func (s *SQLStore) SearchProfiles(ctx context.Context, queryStr string) ([]models.Profile, error) {
	query := s.rebind("SELECT id, username, COALESCE(nickname, ''), COALESCE(avatar, '') FROM profiles WHERE username LIKE ? OR nickname LIKE ? ORDER BY username LIMIT 10")
	pattern := "%" + queryStr + "%"
	rows, err := s.db.QueryContext(ctx, query, pattern, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := make([]models.Profile, 0)
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.Nickname, &p.Avatar); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

const messageColumns = "id, sender_id, receiver_id, COALESCE(content, ''), COALESCE(media_url, ''), created_at, read, is_typing"

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		m         models.Message
		createdAt string
	)
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.MediaURL, &createdAt, &m.Read, &m.IsTyping); err != nil {
		return nil, err
	}
	m.CreatedAt = parseTimestamp(createdAt)
	return &m, nil
}

func (s *SQLStore) collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	messages := make([]models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func (s *SQLStore) InsertMessage(ctx context.Context, message *models.Message) error {
	if message.SenderID == "" || message.ReceiverID == "" {
		return errors.New("sender_id and receiver_id are required")
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	query := s.rebind("INSERT INTO messages (id, sender_id, receiver_id, content, media_url, created_at, read, is_typing) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query,
		message.ID,
		message.SenderID,
		message.ReceiverID,
		nullString(message.Content),
		nullString(message.MediaURL),
		formatTimestamp(message.CreatedAt),
		message.Read,
		message.IsTyping,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}
	return nil
}

func (s *SQLStore) getMessage(ctx context.Context, id string) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE id = ?")
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (s *SQLStore) UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) (*models.Message, error) {
	var (
		sets []string
		args []any
	)
	if patch.Read != nil {
		sets = append(sets, "read = ?")
		args = append(args, *patch.Read)
	}
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, nullString(*patch.Content))
	}
	if patch.CreatedAt != nil {
		sets = append(sets, "created_at = ?")
		args = append(args, formatTimestamp(*patch.CreatedAt))
	}

	if len(sets) > 0 {
		query := s.rebind("UPDATE messages SET " + strings.Join(sets, ", ") + " WHERE id = ?")
		result, err := s.db.ExecContext(ctx, query, append(args, id)...)
		if err != nil {
			return nil, fmt.Errorf("update message %q: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, store.ErrNotFound
		}
	}
	return s.getMessage(ctx, id)
}

func (s *SQLStore) QueryMessages(ctx context.Context, filter models.MessageFilter) ([]models.Message, error) {
	var (
		where []string
		args  []any
	)
	if filter.SenderID != "" {
		where = append(where, "sender_id = ?")
		args = append(args, filter.SenderID)
	}
	if filter.ReceiverID != "" {
		where = append(where, "receiver_id = ?")
		args = append(args, filter.ReceiverID)
	}
	if filter.IsTyping != nil {
		where = append(where, "is_typing = ?")
		args = append(args, *filter.IsTyping)
	}

	query := "SELECT " + messageColumns + " FROM messages"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Ascending {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id ASC"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return s.collectMessages(rows)
}

func (s *SQLStore) GetThread(ctx context.Context, userID, counterpartyID string) ([]models.Message, error) {
	query := s.rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE is_typing = ?
		  AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
		ORDER BY created_at ASC, id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, false, userID, counterpartyID, counterpartyID, userID)
	if err != nil {
		return nil, fmt.Errorf("get thread %s/%s: %w", userID, counterpartyID, err)
	}
	return s.collectMessages(rows)
}

func (s *SQLStore) FindTypingIndicator(ctx context.Context, senderID, receiverID string) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE sender_id = ? AND receiver_id = ? AND is_typing = ? ORDER BY created_at DESC LIMIT 1")
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, senderID, receiverID, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (s *SQLStore) DeleteTypingIndicators(ctx context.Context, senderID, receiverID string) error {
	query := s.rebind("DELETE FROM messages WHERE sender_id = ? AND receiver_id = ? AND is_typing = ?")
	_, err := s.db.ExecContext(ctx, query, senderID, receiverID, true)
	return err
}

func (s *SQLStore) SavePersonalityResult(ctx context.Context, result *models.PersonalityResult) error {
	if result.UserID == "" {
		return errors.New("user_id is required")
	}
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	query := s.rebind("INSERT INTO personality_tests (id, user_id, extraversion, sensing, thinking, judging, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query,
		result.ID, result.UserID,
		result.Extraversion, result.Sensing, result.Thinking, result.Judging,
		formatTimestamp(result.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert personality result for %q: %w", result.UserID, err)
	}
	return nil
}

func (s *SQLStore) GetLatestPersonalityResult(ctx context.Context, userID string) (*models.PersonalityResult, error) {
	var (
		r         models.PersonalityResult
		createdAt string
	)
	query := s.rebind("SELECT id, user_id, extraversion, sensing, thinking, judging, created_at FROM personality_tests WHERE user_id = ? ORDER BY created_at DESC LIMIT 1")
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&r.ID, &r.UserID, &r.Extraversion, &r.Sensing, &r.Thinking, &r.Judging, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = parseTimestamp(createdAt)
	return &r, nil
}
