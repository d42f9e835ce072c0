package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const keySelectedChat = "selected_chat"

// GetState returns a ui_state value, or "" when unset.
func (db *DB) GetState(ctx context.Context, key string) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM ui_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetState stores a ui_state value. An empty value deletes the key.
func (db *DB) SetState(ctx context.Context, key, value string) error {
	if value == "" {
		_, err := db.ExecContext(ctx, `DELETE FROM ui_state WHERE key = ?`, key)
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO ui_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// SelectedChat returns the chat that was open when the client last ran.
func (db *DB) SelectedChat(ctx context.Context) (string, error) {
	return db.GetState(ctx, keySelectedChat)
}

func (db *DB) SetSelectedChat(ctx context.Context, chatID string) error {
	return db.SetState(ctx, keySelectedChat, chatID)
}
