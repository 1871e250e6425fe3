package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/ashureev/agentdesk/internal/domain"
)

// AppendMemory appends an agent memory entry, evicting beyond maxEntries.
func (s *SQLiteStore) AppendMemory(ctx context.Context, chatID, agent string, entry *domain.MemoryEntry, maxEntries int) error {
	return s.withTx(ctx, "append memory", func(tx *sql.Tx) error {
		if err := requireChat(ctx, tx, chatID); err != nil {
			return err
		}
		return appendMemoryTx(ctx, tx, chatID, agent, entry, maxEntries)
	})
}

// appendMemoryTx assigns the next seq for (chat, agent), inserts the entry and
// drops the lowest seqs beyond maxEntries. A non-positive maxEntries keeps all.
func appendMemoryTx(ctx context.Context, tx *sql.Tx, chatID, agent string, entry *domain.MemoryEntry, maxEntries int) error {
	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	entry.CreatedAt = stamp(entry.CreatedAt)

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM agent_memories WHERE chat_id = ? AND agent = ?`,
		chatID, agent,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next memory seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_memories (chat_id, agent, seq, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		chatID, agent, seq, entry.Content, metadata, entry.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	if maxEntries > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM agent_memories
			WHERE chat_id = ? AND agent = ? AND seq <= ?`,
			chatID, agent, seq-int64(maxEntries),
		); err != nil {
			return fmt.Errorf("evict memory: %w", err)
		}
	}

	entry.Seq = seq
	return nil
}

// LoadMemories returns, per agent, up to limit most recent entries in ascending order.
func (s *SQLiteStore) LoadMemories(ctx context.Context, chatID string, limit int) (map[string][]domain.MemoryEntry, error) {
	query := `
		SELECT agent, seq, content, metadata, created_at FROM (
			SELECT agent, seq, content, metadata, created_at,
				ROW_NUMBER() OVER (PARTITION BY agent ORDER BY seq DESC) AS rn
			FROM agent_memories WHERE chat_id = ?
		)
		WHERE ? <= 0 OR rn <= ?
		ORDER BY agent, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, chatID, limit, limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close memory rows", "error", closeErr)
		}
	}()

	out := make(map[string][]domain.MemoryEntry)
	for rows.Next() {
		var agent string
		var entry domain.MemoryEntry
		var metadata sql.NullString
		var createdAt int64
		if err := rows.Scan(&agent, &entry.Seq, &entry.Content, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		entry.CreatedAt = fromMillis(createdAt)
		if entry.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		out[agent] = append(out[agent], entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

// TrimMemories enforces maxEntries for every (chat, agent) pair, typically
// after the configured cap was lowered.
func (s *SQLiteStore) TrimMemories(ctx context.Context, maxEntries int) (int64, error) {
	if maxEntries <= 0 {
		return 0, nil
	}
	query := `
		DELETE FROM agent_memories WHERE rowid IN (
			SELECT rowid FROM (
				SELECT rowid, ROW_NUMBER() OVER (PARTITION BY chat_id, agent ORDER BY seq DESC) AS rn
				FROM agent_memories
			) WHERE rn > ?
		)`

	var trimmed int64
	err := s.withTx(ctx, "trim memories", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, maxEntries)
		if err != nil {
			return fmt.Errorf("trim memories: %w", err)
		}
		trimmed, err = result.RowsAffected()
		return err
	})
	return trimmed, err
}
