package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/backend"
)

// LoadAuth returns the stored credential, or nil when signed out.
func (db *DB) LoadAuth(ctx context.Context) (*backend.AuthState, error) {
	var (
		st      backend.AuthState
		expires int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at, user_id, device_token
		FROM auth WHERE id = 1`).
		Scan(&st.Credential.AccessToken, &st.Credential.RefreshToken, &expires, &st.Credential.UserID, &st.DeviceToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expires > 0 {
		st.Credential.ExpiresAt = time.Unix(expires, 0)
	}
	return &st, nil
}

// SaveAuth replaces the stored credential.
func (db *DB) SaveAuth(ctx context.Context, st backend.AuthState) error {
	var expires int64
	if !st.Credential.ExpiresAt.IsZero() {
		expires = st.Credential.ExpiresAt.Unix()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO auth (id, access_token, refresh_token, expires_at, user_id, device_token, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			user_id = excluded.user_id,
			device_token = excluded.device_token,
			updated_at = excluded.updated_at`,
		st.Credential.AccessToken, st.Credential.RefreshToken, expires,
		st.Credential.UserID, st.DeviceToken, time.Now().UnixMilli())
	return err
}

// ClearAuth forgets the stored credential.
func (db *DB) ClearAuth(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `DELETE FROM auth`)
	return err
}

var _ backend.CredentialStore = (*DB)(nil)
