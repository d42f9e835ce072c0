package session

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// Backend is the auth surface Init needs.
type Backend interface {
	GetSession(ctx context.Context) (*model.Credential, error)
	ValidateDeviceSession(ctx context.Context) (bool, error)
	GetUser(ctx context.Context) (model.User, error)
	FetchProfile(ctx context.Context, userID string) (model.Profile, error)
	SignOut(ctx context.Context) error
}

// Init runs the sign-in check: a stored credential must exist, its device
// session must be valid, and the user and profile rows must load. Any
// failure returns an error wrapping ErrReauthRequired and leaves c unset.
// A rejected or unverifiable device session also signs the credential out.
func Init(ctx context.Context, c *Context, b Backend, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	c.Reset()

	cred, err := b.GetSession(ctx)
	if err != nil {
		return fmt.Errorf("%w: get session: %v", ErrReauthRequired, err)
	}
	if cred == nil {
		return fmt.Errorf("%w: not signed in", ErrReauthRequired)
	}

	valid, err := b.ValidateDeviceSession(ctx)
	if err != nil || !valid {
		if soErr := b.SignOut(ctx); soErr != nil {
			logger.Warn("sign out after device session check failed", zap.Error(soErr))
		}
		if err != nil {
			return fmt.Errorf("%w: valid_device_session: %v", ErrReauthRequired, err)
		}
		return fmt.Errorf("%w: device session no longer valid", ErrReauthRequired)
	}

	user, err := b.GetUser(ctx)
	if err != nil {
		return fmt.Errorf("%w: get user: %v", ErrReauthRequired, err)
	}

	claims, err := ParseClaims(cred.AccessToken)
	switch {
	case err != nil:
		logger.Debug("access token is not a readable jwt", zap.Error(err))
	case claims.Subject != "" && claims.Subject != user.ID:
		return fmt.Errorf("%w: token subject %s does not match user %s", ErrReauthRequired, claims.Subject, user.ID)
	case cred.ExpiresAt.IsZero() && !claims.ExpiresAt.IsZero():
		cred.ExpiresAt = claims.ExpiresAt
	}
	if cred.UserID == "" {
		cred.UserID = user.ID
	}

	profile, err := b.FetchProfile(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("%w: fetch profile: %v", ErrReauthRequired, err)
	}

	c.Set(*cred, user, profile)
	logger.Info("session initialized",
		zap.String("user_id", user.ID),
		zap.String("username", profile.Username),
		zap.Time("expires_at", cred.ExpiresAt),
	)
	return nil
}

// Claims are the access token fields the client reads.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// ParseClaims reads the subject and expiry of an access token without
// verifying its signature; only the service can do that.
func ParseClaims(token string) (Claims, error) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return Claims{}, fmt.Errorf("parse access token: %w", err)
	}
	out := Claims{Subject: rc.Subject}
	if rc.ExpiresAt != nil {
		out.ExpiresAt = rc.ExpiresAt.Time
	}
	return out, nil
}
