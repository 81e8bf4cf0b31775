package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/apsl-space/apsl/internal/services/market/storage"
)

const messageColumns = `seq, message_id, chat_id, body, sender, COALESCE(client_message_id, ''), created_at`

// AppendMessage stores one chat message. Retries carrying an already used
// client message ID resolve to the stored message.
func (s *Store) AppendMessage(ctx context.Context, m storage.Message) (storage.Message, bool, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Message{}, false, err
	}
	if strings.TrimSpace(m.ID) == "" {
		return storage.Message{}, false, fmt.Errorf("message id is required")
	}
	if strings.TrimSpace(m.ChatID) == "" {
		return storage.Message{}, false, fmt.Errorf("chat id is required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.CreatedAt = fromMillis(toMillis(m.CreatedAt))

	clientID := sql.NullString{String: m.ClientMessageID, Valid: strings.TrimSpace(m.ClientMessageID) != ""}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO messages (message_id, chat_id, body, sender, client_message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.ChatID,
		m.Body,
		m.Sender,
		clientID,
		toMillis(m.CreatedAt),
	)
	if err != nil {
		if clientID.Valid && isUniqueViolation(err, "messages.client_message_id") {
			existing, lookupErr := s.messageByClientID(ctx, m.ChatID, m.ClientMessageID)
			if lookupErr != nil {
				return storage.Message{}, false, lookupErr
			}
			return existing, true, nil
		}
		return storage.Message{}, false, fmt.Errorf("append message: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return storage.Message{}, false, fmt.Errorf("append message: %w", err)
	}
	m.Sequence = seq
	return m, false, nil
}

func (s *Store) messageByClientID(ctx context.Context, chatID string, clientMessageID string) (storage.Message, error) {
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND client_message_id = ?`,
		chatID,
		clientMessageID,
	)
	m, err := scanMessage(row)
	if err != nil {
		return storage.Message{}, fmt.Errorf("get message by client id: %w", err)
	}
	return m, nil
}

// ListMessages returns every message of a chat ordered by timestamp.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.queryMessages(
		ctx,
		`SELECT `+messageColumns+`
		   FROM messages
		  WHERE chat_id = ?
		  ORDER BY created_at ASC, seq ASC`,
		strings.TrimSpace(chatID),
	)
}

// ListMessagesBefore returns up to limit messages older than beforeSequence,
// oldest first.
func (s *Store) ListMessagesBefore(ctx context.Context, chatID string, beforeSequence int64, limit int) ([]storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	messages, err := s.queryMessages(
		ctx,
		`SELECT `+messageColumns+`
		   FROM messages
		  WHERE chat_id = ? AND seq < ?
		  ORDER BY seq DESC
		  LIMIT ?`,
		strings.TrimSpace(chatID),
		beforeSequence,
		limit,
	)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// LatestSequence returns the highest message sequence in a chat, or zero.
func (s *Store) LatestSequence(ctx context.Context, chatID string) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var latest int64
	row := s.sqlDB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE chat_id = ?`, strings.TrimSpace(chatID))
	if err := row.Scan(&latest); err != nil {
		return 0, fmt.Errorf("latest message sequence: %w", err)
	}
	return latest, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]storage.Message, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]storage.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

func scanMessage(row rowScanner) (storage.Message, error) {
	var m storage.Message
	var createdAt int64
	if err := row.Scan(
		&m.Sequence,
		&m.ID,
		&m.ChatID,
		&m.Body,
		&m.Sender,
		&m.ClientMessageID,
		&createdAt,
	); err != nil {
		return storage.Message{}, err
	}
	m.CreatedAt = fromMillis(createdAt)
	return m, nil
}
