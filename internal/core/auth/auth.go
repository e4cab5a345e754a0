// Package auth owns the LSR session: it hashes the stored credentials,
// obtains and caches an access token, and transparently re-authenticates
// when the token expires.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/akulagin/lsrd/internal/core/api"
)

// fallbackTTL bounds the credential lifetime when the access token carries
// no readable expiry claim.
const fallbackTTL = 30 * time.Minute

// expiryMargin refreshes slightly early so a token never expires mid-call.
const expiryMargin = time.Minute

// Credential is an authenticated session: the access token, its refresh
// counterpart and the derived expiry.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Valid reports whether the credential is still usable at t.
func (c Credential) Valid(t time.Time) bool {
	return c.AccessToken != "" && t.Before(c.ExpiresAt.Add(-expiryMargin))
}

// Authorizer is the slice of the API client the session manager needs.
type Authorizer interface {
	Authorize(ctx context.Context, loginSha256, passwordSha256, appInstanceID string) (api.AuthData, error)
}

// SessionManager caches one credential per configured account instance.
// The password is hashed at construction and never logged.
type SessionManager struct {
	api           Authorizer
	loginSha      string
	passwordSha   string
	appInstanceID string
	log           *slog.Logger

	mu   sync.Mutex
	cred Credential
	now  func() time.Time
}

// NewSessionManager creates a session manager for the given credentials.
// A leading "+" on the username (phone-number logins) is stripped before
// hashing, matching what the mobile client sends.
func NewSessionManager(a Authorizer, username, password, appInstanceID string, log *slog.Logger) *SessionManager {
	login := strings.TrimPrefix(username, "+")
	return &SessionManager{
		api:           a,
		loginSha:      sha256Hex(login),
		passwordSha:   sha256Hex(password),
		appInstanceID: appInstanceID,
		log:           log,
		now:           time.Now,
	}
}

// Authenticate performs a fresh login and caches the resulting credential.
func (m *SessionManager) Authenticate(ctx context.Context) (Credential, error) {
	data, err := m.api.Authorize(ctx, m.loginSha, m.passwordSha, m.appInstanceID)
	if err != nil {
		return Credential{}, fmt.Errorf("auth: authenticate: %w", err)
	}

	cred := Credential{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresAt:    tokenExpiry(data.AccessToken, m.now()),
	}

	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()

	m.log.Info("authenticated with LSR API", "expires_at", cred.ExpiresAt)
	return cred, nil
}

// Token returns a valid access token, re-authenticating first when the
// cached credential is absent or expired.
func (m *SessionManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	cred := m.cred
	m.mu.Unlock()

	if cred.Valid(m.now()) {
		return cred.AccessToken, nil
	}

	cred, err := m.Authenticate(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// ForceRefresh discards the cached credential and re-authenticates. Used
// once per refresh cycle when the remote rejects a token early.
func (m *SessionManager) ForceRefresh(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	m.cred = Credential{}
	m.mu.Unlock()

	return m.Authenticate(ctx)
}

// tokenExpiry derives the credential expiry from the JWT exp claim, falling
// back to a fixed TTL for opaque tokens.
func tokenExpiry(accessToken string, now time.Time) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.After(now) {
			return exp.Time
		}
	}
	return now.Add(fallbackTTL)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
