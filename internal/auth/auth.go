package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
)

// UserStore is the user persistence used by authentication.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
}

// Authenticator turns a bearer token into a provisioned user.
type Authenticator struct {
	verifier TokenVerifier
	users    UserStore
	logger   *slog.Logger
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(verifier TokenVerifier, users UserStore, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{verifier: verifier, users: users, logger: logger.With("component", "auth")}
}

// Authenticate verifies token and returns its user, creating the user on
// first sight and refreshing last-seen otherwise. Token failures wrap
// ErrInvalidToken, ErrExpiredToken or ErrMissingClaim.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		a.logger.Debug("token rejected", "error", err)
		return nil, err
	}

	now := time.Now()
	if err := a.users.UpsertUser(ctx, &domain.User{
		UserID:     claims.Subject,
		Name:       claims.Name,
		Email:      claims.Email,
		CreatedAt:  now,
		LastSeenAt: now,
	}); err != nil {
		return nil, fmt.Errorf("provision user: %w", err)
	}
	user, err := a.users.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("load user %s: not found after upsert", claims.Subject)
	}
	return user, nil
}
