package chat

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore archives chat history in the chat_messages table created by
// db.AutoMigrate.
type PostgresStore struct {
	db    *sql.DB
	limit int
}

func NewPostgresStore(db *sql.DB, limit int) *PostgresStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &PostgresStore{db: db, limit: limit}
}

func (r *PostgresStore) Append(ctx context.Context, m Message) error {
	query := `INSERT INTO chat_messages (id, conversation_key, sender, target, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, m.ID, m.Key, m.From, m.Target, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (r *PostgresStore) History(ctx context.Context, key string) ([]Message, error) {
	query := `
		SELECT id, conversation_key, sender, target, content, created_at
		FROM chat_messages
		WHERE conversation_key = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, key, r.limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Key, &m.From, &m.Target, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest first from the query, oldest first to the caller
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *PostgresStore) KeysFor(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT DISTINCT conversation_key
		FROM chat_messages
		WHERE conversation_key NOT LIKE 'group::%' AND (sender = $1 OR target = $1)
		ORDER BY conversation_key
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
