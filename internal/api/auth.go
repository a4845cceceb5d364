package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/reeveworks/reeve-agent/internal/store"
)

// ErrUnauthorized is returned by Verify for any token that does not
// check out. The reason is deliberately not distinguished.
var ErrUnauthorized = errors.New("invalid or unknown token")

// tokenPrefix marks Reeve bearer tokens. The full shape is
// reeve_<id>_<secret>: the id locates the credential record, the
// secret is compared against a bcrypt hash.
const tokenPrefix = "reeve_"

// authKey is the store hash holding one credential record.
func authKey(id string) string { return "auth:token:" + id }

// Authenticator mints and verifies bearer tokens. Secrets are stored
// bcrypt-hashed; the plaintext token is shown once at mint time and
// never again. Verified tokens are cached in memory so steady-state
// requests skip the bcrypt comparison.
type Authenticator struct {
	store  store.Store
	logger *slog.Logger

	mu   sync.RWMutex
	seen map[string]string // raw token -> principal id
}

// NewAuthenticator creates an Authenticator backed by the given store.
func NewAuthenticator(st store.Store, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		store:  st,
		logger: logger.With("component", "auth"),
		seen:   make(map[string]string),
	}
}

// Mint creates a new credential under the given display name and
// returns the full bearer token. The secret is not recoverable later.
func (a *Authenticator) Mint(ctx context.Context, name string) (string, error) {
	id, err := randomHex(6)
	if err != nil {
		return "", fmt.Errorf("generating token id: %w", err)
	}
	secret, err := randomHex(24)
	if err != nil {
		return "", fmt.Errorf("generating token secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing token secret: %w", err)
	}

	err = a.store.HSet(ctx, authKey(id), map[string]string{
		"hash":      string(hash),
		"name":      name,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("storing credential: %w", err)
	}

	a.logger.Info("minted token", "id", id, "name", name)
	return tokenPrefix + id + "_" + secret, nil
}

// Verify checks a raw bearer token and returns the principal id it
// belongs to. The principal id is what conversations and tasks are
// scoped by.
func (a *Authenticator) Verify(ctx context.Context, token string) (string, error) {
	a.mu.RLock()
	principal, ok := a.seen[token]
	a.mu.RUnlock()
	if ok {
		return principal, nil
	}

	id, secret, ok := splitToken(token)
	if !ok {
		return "", ErrUnauthorized
	}

	fields, err := a.store.HGetAll(ctx, authKey(id))
	if err != nil {
		return "", fmt.Errorf("loading credential: %w", err)
	}
	hash := fields["hash"]
	if hash == "" {
		return "", ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return "", ErrUnauthorized
	}

	a.mu.Lock()
	a.seen[token] = id
	a.mu.Unlock()
	return id, nil
}

// splitToken breaks reeve_<id>_<secret> into its parts.
func splitToken(token string) (id, secret string, ok bool) {
	rest, found := strings.CutPrefix(token, tokenPrefix)
	if !found {
		return "", "", false
	}
	id, secret, found = strings.Cut(rest, "_")
	if !found || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
