package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
)

const chatColumns = `chat_id, owner_id, title, created_at, last_active_at, message_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*domain.Chat, error) {
	var chat domain.Chat
	var createdAt, lastActive int64
	if err := row.Scan(
		&chat.ChatID, &chat.OwnerID, &chat.Title,
		&createdAt, &lastActive, &chat.MessageCount,
	); err != nil {
		return nil, err
	}
	chat.CreatedAt = fromMillis(createdAt)
	chat.LastActiveAt = fromMillis(lastActive)
	return &chat, nil
}

// CreateChat inserts a new chat. Ids of deleted chats are never reused.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *domain.Chat) error {
	if chat.Title == "" {
		chat.Title = domain.DefaultChatTitle
	}
	chat.CreatedAt = stamp(chat.CreatedAt)
	if chat.LastActiveAt.IsZero() {
		chat.LastActiveAt = chat.CreatedAt
	}
	chat.LastActiveAt = stamp(chat.LastActiveAt)

	query := `INSERT INTO chats (` + chatColumns + `) VALUES (?, ?, ?, ?, ?, ?)`
	return s.withTx(ctx, "create chat", func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM deleted_chats WHERE chat_id = ?`, chat.ChatID).Scan(&one)
		if err == nil {
			return ErrChatNotFound
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check deleted chat: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query,
			chat.ChatID, chat.OwnerID, chat.Title,
			chat.CreatedAt.UnixMilli(), chat.LastActiveAt.UnixMilli(), chat.MessageCount,
		); err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}
		return nil
	})
}

// GetChat retrieves a chat by ID.
func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE chat_id = ?`, chatID)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat row: %w", err)
	}
	return chat, nil
}

// ListChats returns a user's chats, most recently active first.
func (s *SQLiteStore) ListChats(ctx context.Context, ownerID string, limit int) ([]*domain.Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE owner_id = ?
		ORDER BY last_active_at DESC, created_at DESC, chat_id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, ownerID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat rows", "error", closeErr)
		}
	}()

	var chats []*domain.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

// RenameChat sets a chat's title.
func (s *SQLiteStore) RenameChat(ctx context.Context, chatID, title string) error {
	return s.withTx(ctx, "rename chat", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE chats SET title = ? WHERE chat_id = ?`, title, chatID)
		if err != nil {
			return fmt.Errorf("update chat title: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrChatNotFound
		}
		return nil
	})
}

// DeleteChat removes a chat with its messages, memories and todos, and
// leaves a tombstone so the id cannot be created again.
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, "delete chat", func(tx *sql.Tx) error {
		var ownerID string
		err := tx.QueryRowContext(ctx, `SELECT owner_id FROM chats WHERE chat_id = ?`, chatID).Scan(&ownerID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("get chat owner: %w", err)
		default:
			deleted = true
			if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, chatID); err != nil {
				return fmt.Errorf("delete chat: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO deleted_chats (chat_id, owner_id, deleted_at) VALUES (?, ?, ?)`,
				chatID, ownerID, time.Now().UnixMilli(),
			); err != nil {
				return fmt.Errorf("record deleted chat: %w", err)
			}
		}

		for _, q := range []string{
			`DELETE FROM messages WHERE chat_id = ?`,
			`DELETE FROM agent_memories WHERE chat_id = ?`,
			`DELETE FROM todo_tasks WHERE todo_id IN (SELECT todo_id FROM todos WHERE chat_id = ?)`,
			`DELETE FROM todos WHERE chat_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
				return fmt.Errorf("delete chat data: %w", err)
			}
		}
		return nil
	})
	return deleted, err
}

// AppendMessage appends a message and bumps the chat's counters.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	return s.withTx(ctx, "append message", func(tx *sql.Tx) error {
		return appendMessageTx(ctx, tx, msg)
	})
}

// CommitTurn writes the user message, the assistant message, the optional
// memory entry and the chat counters in one transaction.
func (s *SQLiteStore) CommitTurn(ctx context.Context, rec TurnRecord) error {
	if rec.Message == nil {
		return errors.New("commit turn: nil message")
	}
	return s.withTx(ctx, "commit turn", func(tx *sql.Tx) error {
		if rec.UserMessage != nil {
			if err := appendMessageTx(ctx, tx, rec.UserMessage); err != nil {
				return err
			}
		}
		if err := appendMessageTx(ctx, tx, rec.Message); err != nil {
			return err
		}
		if rec.Memory == nil {
			return nil
		}
		return appendMemoryTx(ctx, tx, rec.Message.ChatID, rec.MemoryAgent, rec.Memory, rec.MemoryCap)
	})
}

func appendMessageTx(ctx context.Context, tx *sql.Tx, msg *domain.Message) error {
	if err := requireChat(ctx, tx, msg.ChatID); err != nil {
		return err
	}

	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	msg.CreatedAt = stamp(msg.CreatedAt)

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE chat_id = ?`, msg.ChatID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next message seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (chat_id, seq, role, agent, content, media, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ChatID, seq, string(msg.Role), msg.Agent, msg.Content, msg.Media, metadata,
		msg.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chats SET message_count = message_count + 1,
			last_active_at = MAX(last_active_at, ?)
		WHERE chat_id = ?`, msg.CreatedAt.UnixMilli(), msg.ChatID,
	); err != nil {
		return fmt.Errorf("update chat counters: %w", err)
	}

	msg.Seq = seq
	return nil
}

func requireChat(ctx context.Context, tx *sql.Tx, chatID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM chats WHERE chat_id = ?`, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrChatNotFound
	}
	if err != nil {
		return fmt.Errorf("check chat: %w", err)
	}
	return nil
}

// ListMessages returns the most recent limit messages in ascending order.
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string, limit int) ([]*domain.Message, error) {
	query := `
		SELECT chat_id, seq, role, agent, content, media, metadata, created_at FROM (
			SELECT * FROM messages WHERE chat_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, chatID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var role string
		var metadata sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&msg.ChatID, &msg.Seq, &role, &msg.Agent, &msg.Content, &msg.Media, &metadata, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.Role(role)
		msg.CreatedAt = fromMillis(createdAt)
		if msg.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}
