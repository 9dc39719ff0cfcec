package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/termchat-project/termchat/proto"
)

// PostgresStore is a durable HistoryStore backed by PostgreSQL. The schema
// is created on first use; conversations are unbounded here, durability
// replaces the in-memory eviction policy.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const historySchema = `
CREATE TABLE IF NOT EXISTS termchat_messages (
	seq          BIGSERIAL PRIMARY KEY,
	message_id   TEXT NOT NULL UNIQUE,
	conversation TEXT NOT NULL,
	sender       BYTEA NOT NULL,
	content      TEXT NOT NULL,
	sent_at_ms   BIGINT NOT NULL,
	status       SMALLINT NOT NULL
);
CREATE INDEX IF NOT EXISTS termchat_messages_conversation_idx
	ON termchat_messages (conversation, seq);
`

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("chat: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("chat: ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, historySchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("chat: create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Append implements HistoryStore.
func (s *PostgresStore) Append(ctx context.Context, msg StoredMessage) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO termchat_messages (message_id, conversation, sender, content, sent_at_ms, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (message_id) DO NOTHING`,
		string(msg.Message.ID),
		string(msg.Message.Conversation),
		[]byte(msg.Message.Sender),
		msg.Message.Content,
		msg.Message.Timestamp,
		int16(msg.Status),
	)
	if err != nil {
		return fmt.Errorf("chat: append message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateID
	}
	return nil
}

// Get implements HistoryStore.
func (s *PostgresStore) Get(ctx context.Context, conversation proto.ConversationID, limit int) ([]StoredMessage, error) {
	query := `SELECT message_id, conversation, sender, content, sent_at_ms, status
		FROM termchat_messages WHERE conversation = $1 ORDER BY seq`
	args := []any{string(conversation)}
	if limit > 0 {
		// Newest N, still returned in append order.
		query = `SELECT message_id, conversation, sender, content, sent_at_ms, status FROM (
			SELECT seq, message_id, conversation, sender, content, sent_at_ms, status
			FROM termchat_messages WHERE conversation = $1 ORDER BY seq DESC LIMIT $2
		) newest ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chat: query history: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var (
			id, conv, content string
			sender            []byte
			sentAt            int64
			status            int16
		)
		if err := rows.Scan(&id, &conv, &sender, &content, &sentAt, &status); err != nil {
			return nil, fmt.Errorf("chat: scan history row: %w", err)
		}
		out = append(out, StoredMessage{
			Message: proto.Message{
				ID:           proto.MessageID(id),
				Conversation: proto.ConversationID(conv),
				Sender:       sender,
				Content:      content,
				Timestamp:    sentAt,
			},
			Status: proto.MessageStatus(status),
		})
	}
	return out, rows.Err()
}

// MarkDelivered implements HistoryStore.
func (s *PostgresStore) MarkDelivered(ctx context.Context, id proto.MessageID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE termchat_messages SET status = $1 WHERE message_id = $2 AND status < $1`,
		int16(proto.StatusDelivered), string(id),
	)
	if err != nil {
		return fmt.Errorf("chat: mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already delivered; distinguish for callers.
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM termchat_messages WHERE message_id = $1)`,
			string(id),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("chat: mark delivered: %w", err)
		}
		if !exists {
			return ErrMessageNotFound
		}
	}
	return nil
}

// RecentPreview implements HistoryStore.
func (s *PostgresStore) RecentPreview(ctx context.Context, conversation proto.ConversationID) (string, error) {
	var content string
	err := s.pool.QueryRow(ctx,
		`SELECT content FROM termchat_messages WHERE conversation = $1 ORDER BY seq DESC LIMIT 1`,
		string(conversation),
	).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("chat: recent preview: %w", err)
	}
	const previewLen = 48
	if len(content) > previewLen {
		return content[:previewLen] + "...", nil
	}
	return content, nil
}
