package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mia/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.ConversationStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, chat_key, remote_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Key, conv.RemoteID, conv.Title, conv.CreatedAt, conv.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_key, remote_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Key, &conv.RemoteID, &title, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv.Title = title.String
	return &conv, nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv domain.Conversation) error {
	conv.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET chat_key=?, remote_id=?, title=?, updated_at=? WHERE id=?`,
		conv.Key, conv.RemoteID, conv.Title, conv.UpdatedAt, conv.ID,
	)
	return err
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_key, remote_id, title, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		var title sql.NullString
		if err := rows.Scan(&c.ID, &c.Key, &c.RemoteID, &title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Title = title.String
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// DeleteConversation removes a conversation with its messages and records.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM transactions WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`,
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveMessage inserts or replaces msg, including its transaction records.
func (s *SQLiteStore) SaveMessage(ctx context.Context, convID string, msg domain.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Type == "" {
		msg.Type = domain.MessageText
	}
	suggestions, err := encodeSuggestions(msg.SuggestedQuestions)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages
		 (id, conversation_id, from_user, type, text, message_id, confirm_action, confirm_processed, suggested_questions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, convID, msg.FromUser, string(msg.Type), msg.Text, msg.MessageID,
		msg.ConfirmAction, msg.ConfirmProcessed, suggestions, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE message_id = ?`, msg.ID); err != nil {
		return err
	}
	for i, r := range msg.Transactions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transactions (message_id, seq, month, income, expense) VALUES (?, ?, ?, ?, ?)`,
			msg.ID, i, r.Month, r.Income, r.Expense,
		); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now(), convID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMessages returns the last limit messages of a conversation, oldest first.
func (s *SQLiteStore) GetMessages(ctx context.Context, convID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_user, type, text, message_id, confirm_action, confirm_processed, suggested_questions, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, convID, limit,
	)
	if err != nil {
		return nil, err
	}

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var typ string
		var text, suggestions sql.NullString
		if err := rows.Scan(&m.ID, &m.FromUser, &typ, &text, &m.MessageID,
			&m.ConfirmAction, &m.ConfirmProcessed, &suggestions, &m.Timestamp); err != nil {
			rows.Close()
			return nil, err
		}
		m.Type = domain.MessageType(typ)
		m.Text = text.String
		if suggestions.Valid && suggestions.String != "" {
			if err := json.Unmarshal([]byte(suggestions.String), &m.SuggestedQuestions); err != nil {
				s.logger.Warn("corrupt suggested questions", "message", m.ID, "err", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// The pool has a single connection: release it before the next query.
	rows.Close()

	for i := range msgs {
		if msgs[i].Type != domain.MessageTransactionChart {
			continue
		}
		records, err := s.transactions(ctx, msgs[i].ID)
		if err != nil {
			return nil, err
		}
		msgs[i].Transactions = records
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) transactions(ctx context.Context, msgID string) ([]domain.TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT month, income, expense FROM transactions WHERE message_id = ? ORDER BY seq`, msgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.TransactionRecord
	for rows.Next() {
		var r domain.TransactionRecord
		if err := rows.Scan(&r.Month, &r.Income, &r.Expense); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) SetSuggestions(ctx context.Context, msgID string, questions []string) error {
	encoded, err := encodeSuggestions(questions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET suggested_questions = ? WHERE id = ?`, encoded, msgID,
	)
	return err
}

func (s *SQLiteStore) MarkConfirmProcessed(ctx context.Context, msgID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET confirm_processed = 1 WHERE id = ?`, msgID,
	)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeSuggestions(questions []string) (sql.NullString, error) {
	if len(questions) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(questions)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode suggestions: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
