package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// sqliteTimeLayout is how SQLite's datetime('now') renders timestamps.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// CanvasRecord is one row in the canvases table. Snapshot holds the
// serialized surface state; nil means the canvas was never flushed.
type CanvasRecord struct {
	ID             string
	Name           string
	PersistenceKey string
	Snapshot       json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ChatSession is one row in the chat_sessions table.
type ChatSession struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatMessage is one row in the chat_messages table. Attachments lists the
// canvas names that were attached to the turn, for display only; the image
// bytes themselves are never persisted.
type ChatMessage struct {
	ID          string
	SessionID   string
	Role        string // "user" or "assistant"
	Content     string
	Attachments []string
	Seq         int64
	CreatedAt   time.Time
}

// ProviderSettings is one row in the provider_settings table. APIKey is
// stored verbatim; it must never reach logs (the logging package redacts
// it by field name).
type ProviderSettings struct {
	UserID    string
	UseCustom bool
	BaseURL   string
	APIKey    string
	Model     string
	UpdatedAt time.Time
}

// TurnRecord is one row in the turn_log table, tracking each chat turn
// sent to a provider.
type TurnRecord struct {
	ID              int64
	SessionID       string
	Model           string
	AttachmentCount int
	DurationMS      int
	Status          string // "success" or "error"
	ErrorMessage    string
	CreatedAt       time.Time
}

// Store provides typed CRUD over the pipeline's tables. Turn log writes go
// through the AsyncWriter when one is configured; everything else is
// synchronous.
type Store struct {
	db          *Database
	asyncWriter *AsyncWriter
}

// NewStore creates a Store. asyncWriter is optional; nil makes all writes
// synchronous.
func NewStore(db *Database, asyncWriter *AsyncWriter) *Store {
	return &Store{db: db, asyncWriter: asyncWriter}
}

// --- canvases ---

// CreateCanvas inserts a canvas row. Missing IDs and persistence keys are
// generated.
func (s *Store) CreateCanvas(ctx context.Context, rec CanvasRecord) (CanvasRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.PersistenceKey == "" {
		rec.PersistenceKey = uuid.NewString()
	}
	if rec.Name == "" {
		return CanvasRecord{}, fmt.Errorf("canvas name is required")
	}

	snapshot := sql.NullString{}
	if rec.Snapshot != nil {
		snapshot = sql.NullString{String: string(rec.Snapshot), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO canvases (id, name, persistence_key, snapshot) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.PersistenceKey, snapshot,
	)
	if err != nil {
		return CanvasRecord{}, fmt.Errorf("failed to insert canvas: %w", err)
	}
	return s.GetCanvas(ctx, rec.ID)
}

// GetCanvas retrieves a canvas by ID. Returns sql.ErrNoRows when absent.
func (s *Store) GetCanvas(ctx context.Context, id string) (CanvasRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, name, persistence_key, snapshot, created_at, updated_at
		 FROM canvases WHERE id = ?`, id)
	return scanCanvas(row)
}

// ListCanvases returns all canvases ordered by creation time.
func (s *Store) ListCanvases(ctx context.Context) ([]CanvasRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, name, persistence_key, snapshot, created_at, updated_at
		 FROM canvases ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query canvases: %w", err)
	}
	defer rows.Close()

	var records []CanvasRecord
	for rows.Next() {
		rec, err := scanCanvas(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating canvas rows: %w", err)
	}
	return records, nil
}

// RenameCanvas updates a canvas's display name.
func (s *Store) RenameCanvas(ctx context.Context, id, name string) error {
	result, err := s.db.Exec(
		`UPDATE canvases SET name = ?, updated_at = datetime('now') WHERE id = ?`,
		name, id)
	if err != nil {
		return fmt.Errorf("failed to rename canvas: %w", err)
	}
	return requireRowAffected(result, "canvas", id)
}

// DeleteCanvas removes a canvas row.
func (s *Store) DeleteCanvas(ctx context.Context, id string) error {
	result, err := s.db.Exec(`DELETE FROM canvases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete canvas: %w", err)
	}
	return requireRowAffected(result, "canvas", id)
}

// DeleteAllCanvases removes every canvas row.
func (s *Store) DeleteAllCanvases(ctx context.Context) error {
	if _, err := s.db.Exec(`DELETE FROM canvases`); err != nil {
		return fmt.Errorf("failed to delete canvases: %w", err)
	}
	return nil
}

// SaveCanvasSnapshot replaces the stored snapshot for the canvas with the
// given persistence key. The row must already exist.
func (s *Store) SaveCanvasSnapshot(ctx context.Context, persistenceKey string, snapshot json.RawMessage) error {
	result, err := s.db.Exec(
		`UPDATE canvases SET snapshot = ?, updated_at = datetime('now')
		 WHERE persistence_key = ?`,
		string(snapshot), persistenceKey)
	if err != nil {
		return fmt.Errorf("failed to save canvas snapshot: %w", err)
	}
	return requireRowAffected(result, "canvas key", persistenceKey)
}

// LoadSnapshotByKey returns the stored snapshot for a persistence key.
// A canvas that exists but was never flushed yields (nil, nil), which
// hydrates as a blank surface.
func (s *Store) LoadSnapshotByKey(ctx context.Context, persistenceKey string) (json.RawMessage, error) {
	var snapshot sql.NullString
	err := s.db.QueryRow(
		`SELECT snapshot FROM canvases WHERE persistence_key = ?`,
		persistenceKey).Scan(&snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for key %s: %w", persistenceKey, err)
	}
	if !snapshot.Valid || snapshot.String == "" {
		return nil, nil
	}
	return json.RawMessage(snapshot.String), nil
}

// --- chat sessions ---

// CreateSession inserts a chat session. A missing ID is generated.
func (s *Store) CreateSession(ctx context.Context, session ChatSession) (ChatSession, error) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO chat_sessions (id, title) VALUES (?, ?)`,
		session.ID, session.Title)
	if err != nil {
		return ChatSession{}, fmt.Errorf("failed to insert chat session: %w", err)
	}
	return s.GetSession(ctx, session.ID)
}

// GetSession retrieves a session by ID. Returns sql.ErrNoRows when absent.
func (s *Store) GetSession(ctx context.Context, id string) (ChatSession, error) {
	var (
		session   ChatSession
		createdAt string
		updatedAt string
	)
	err := s.db.QueryRow(
		`SELECT id, title, created_at, updated_at FROM chat_sessions WHERE id = ?`,
		id).Scan(&session.ID, &session.Title, &createdAt, &updatedAt)
	if err != nil {
		return ChatSession{}, err
	}
	session.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
	session.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt)
	return session, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]ChatSession, error) {
	rows, err := s.db.Query(
		`SELECT id, title, created_at, updated_at
		 FROM chat_sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat sessions: %w", err)
	}
	defer rows.Close()

	var sessions []ChatSession
	for rows.Next() {
		var (
			session   ChatSession
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&session.ID, &session.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat session row: %w", err)
		}
		session.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
		session.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt)
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chat session rows: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session and, via foreign key cascade, its
// messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.Exec(`DELETE FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete chat session: %w", err)
	}
	return requireRowAffected(result, "chat session", id)
}

// DeleteAllSessions removes every session and, via cascade, all messages.
func (s *Store) DeleteAllSessions(ctx context.Context) error {
	if _, err := s.db.Exec(`DELETE FROM chat_sessions`); err != nil {
		return fmt.Errorf("failed to delete chat sessions: %w", err)
	}
	return nil
}

// --- chat messages ---

// AppendMessage appends a message to a session. Sequence numbers are
// assigned monotonically per session so listing order is stable even when
// two messages land in the same second.
func (s *Store) AppendMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		return ChatMessage{}, fmt.Errorf("session id is required")
	}
	if msg.Role != "user" && msg.Role != "assistant" {
		return ChatMessage{}, fmt.Errorf("invalid message role: %s", msg.Role)
	}

	attachments := msg.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("failed to encode attachments: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO chat_messages (id, session_id, role, content, attachments, seq)
		 VALUES (?, ?, ?, ?, ?,
		         (SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE session_id = ?))`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, string(attachmentsJSON), msg.SessionID)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("failed to insert chat message: %w", err)
	}

	if _, err := s.db.Exec(
		`UPDATE chat_sessions SET updated_at = datetime('now') WHERE id = ?`,
		msg.SessionID); err != nil {
		return ChatMessage{}, fmt.Errorf("failed to touch chat session: %w", err)
	}

	return s.getMessage(msg.ID)
}

// ListMessages returns a session's messages in append order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, attachments, seq, created_at
		 FROM chat_messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat messages: %w", err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chat message rows: %w", err)
	}
	return messages, nil
}

func (s *Store) getMessage(id string) (ChatMessage, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, role, content, attachments, seq, created_at
		 FROM chat_messages WHERE id = ?`, id)
	return scanMessage(row)
}

// --- provider settings ---

// SaveProviderSettings upserts a user's provider overrides.
func (s *Store) SaveProviderSettings(ctx context.Context, settings ProviderSettings) error {
	if settings.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	useCustom := 0
	if settings.UseCustom {
		useCustom = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO provider_settings (user_id, use_custom, base_url, api_key, model, updated_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(user_id) DO UPDATE SET
		     use_custom = excluded.use_custom,
		     base_url   = excluded.base_url,
		     api_key    = excluded.api_key,
		     model      = excluded.model,
		     updated_at = datetime('now')`,
		settings.UserID, useCustom, settings.BaseURL, settings.APIKey, settings.Model)
	if err != nil {
		return fmt.Errorf("failed to save provider settings: %w", err)
	}
	return nil
}

// GetProviderSettings returns a user's saved provider overrides. A user
// with no row gets zero-value settings and no error.
func (s *Store) GetProviderSettings(ctx context.Context, userID string) (ProviderSettings, error) {
	var (
		settings  ProviderSettings
		useCustom int
		updatedAt string
	)
	err := s.db.QueryRow(
		`SELECT user_id, use_custom, base_url, api_key, model, updated_at
		 FROM provider_settings WHERE user_id = ?`, userID).
		Scan(&settings.UserID, &useCustom, &settings.BaseURL, &settings.APIKey,
			&settings.Model, &updatedAt)
	if err == sql.ErrNoRows {
		return ProviderSettings{UserID: userID}, nil
	}
	if err != nil {
		return ProviderSettings{}, fmt.Errorf("failed to query provider settings: %w", err)
	}
	settings.UseCustom = useCustom != 0
	settings.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt)
	return settings, nil
}

// --- turn log ---

// LogTurn records a completed chat turn. When an async writer is running
// the write is queued and the call returns immediately; a full queue falls
// back to a synchronous write.
func (s *Store) LogTurn(ctx context.Context, rec TurnRecord) error {
	query := `INSERT INTO turn_log (session_id, model, attachment_count, duration_ms, status, error_message)
	          VALUES (?, ?, ?, ?, ?, ?)`
	args := []interface{}{
		rec.SessionID, rec.Model, rec.AttachmentCount, rec.DurationMS,
		rec.Status, rec.ErrorMessage,
	}

	if s.asyncWriter != nil && s.asyncWriter.IsStarted() {
		if s.asyncWriter.Write(insertOp{query: query, args: args}) {
			return nil
		}
	}

	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to insert turn log: %w", err)
	}
	return nil
}

// RecentTurns returns the latest turn log entries, newest first.
func (s *Store) RecentTurns(ctx context.Context, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(
		`SELECT id, COALESCE(session_id, ''), COALESCE(model, ''),
		        COALESCE(attachment_count, 0), COALESCE(duration_ms, 0),
		        status, COALESCE(error_message, ''), created_at
		 FROM turn_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query turn log: %w", err)
	}
	defer rows.Close()

	var records []TurnRecord
	for rows.Next() {
		var (
			rec       TurnRecord
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Model, &rec.AttachmentCount,
			&rec.DurationMS, &rec.Status, &rec.ErrorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn log row: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turn log rows: %w", err)
	}
	return records, nil
}

// insertOp is the payload the async writer processes for queued inserts.
type insertOp struct {
	query string
	args  []interface{}
}

// NewInsertHandler returns a WriteHandler that executes queued insertOp
// payloads against the database.
func NewInsertHandler(database *Database) WriteHandler {
	return func(op WriteOperation) error {
		insert, ok := op.Data.(insertOp)
		if !ok {
			return fmt.Errorf("unexpected async write payload %T", op.Data)
		}
		_, err := database.Exec(insert.query, insert.args...)
		return err
	}
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCanvas(row rowScanner) (CanvasRecord, error) {
	var (
		rec       CanvasRecord
		snapshot  sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.PersistenceKey, &snapshot, &createdAt, &updatedAt)
	if err != nil {
		return CanvasRecord{}, err
	}
	if snapshot.Valid && snapshot.String != "" {
		rec.Snapshot = json.RawMessage(snapshot.String)
	}
	rec.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
	rec.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt)
	return rec, nil
}

func scanMessage(row rowScanner) (ChatMessage, error) {
	var (
		msg             ChatMessage
		attachmentsJSON string
		createdAt       string
	)
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
		&attachmentsJSON, &msg.Seq, &createdAt)
	if err != nil {
		return ChatMessage{}, err
	}
	if err := json.Unmarshal([]byte(attachmentsJSON), &msg.Attachments); err != nil {
		return ChatMessage{}, fmt.Errorf("failed to decode attachments: %w", err)
	}
	msg.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
	return msg, nil
}

func requireRowAffected(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s not found: %s", kind, id)
	}
	return nil
}
