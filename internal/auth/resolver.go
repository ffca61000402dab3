// Package auth resolves a usable vendor access token per user: operator
// overrides first, then the stored encrypted token, then an automated
// TOTP login when everything else is stale.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/crypto"
	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/db"
	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/upstox"
)

var (
	ErrNoToken       = errors.New("no usable token for user")
	ErrLoginCooldown = errors.New("login attempted too recently")
)

// expiryMargin keeps us from handing out a token that dies mid-session.
const expiryMargin = 5 * time.Minute

// Resolver produces access tokens for users. Stored tokens and login
// credentials live encrypted in the database; failed logins are throttled
// per user by a cooldown window.
type Resolver struct {
	db         *db.Database
	enc        *crypto.Encryptor
	baseURL    string
	cooldown   time.Duration
	httpClient *http.Client
	log        zerolog.Logger

	mu          sync.Mutex
	overrides   map[string]string
	lastAttempt map[string]time.Time
}

// NewResolver builds a Resolver. overrides maps user IDs to raw tokens
// that bypass storage entirely.
func NewResolver(database *db.Database, enc *crypto.Encryptor, baseURL string, cooldown time.Duration, overrides map[string]string, log zerolog.Logger) *Resolver {
	r := &Resolver{
		db:          database,
		enc:         enc,
		baseURL:     baseURL,
		cooldown:    cooldown,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         log,
		overrides:   make(map[string]string),
		lastAttempt: make(map[string]time.Time),
	}
	for userID, token := range overrides {
		r.overrides[userID] = token
	}
	return r
}

// SetOverride installs (or, with an empty token, removes) a raw token for
// a user, taking precedence over storage and login.
func (r *Resolver) SetOverride(userID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token == "" {
		delete(r.overrides, userID)
		return
	}
	r.overrides[userID] = token
}

// Resolve returns a usable access token for userID. Order of preference:
// operator override, stored token that has not expired, fresh TOTP login.
func (r *Resolver) Resolve(ctx context.Context, userID string) (string, error) {
	r.mu.Lock()
	override, ok := r.overrides[userID]
	r.mu.Unlock()
	if ok {
		return override, nil
	}

	if token, ok := r.storedToken(ctx, userID); ok {
		return token, nil
	}

	return r.login(ctx, userID)
}

// Invalidate marks the stored token expired so the next Resolve logs in
// again. Used when the vendor rejects a token we thought was good.
func (r *Resolver) Invalidate(ctx context.Context, userID string) {
	row, err := r.db.GetUserToken(ctx, userID)
	if err != nil {
		return
	}
	now := time.Now()
	if err := r.db.SaveUserToken(ctx, userID, row.TokenEncrypted, row.KeyVersion, &now); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("failed to invalidate token")
	}
}

func (r *Resolver) storedToken(ctx context.Context, userID string) (string, bool) {
	row, err := r.db.GetUserToken(ctx, userID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			r.log.Warn().Err(err).Str("user_id", userID).Msg("token lookup failed")
		}
		return "", false
	}

	token, err := r.enc.Decrypt(row.TokenEncrypted)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Int("key_version", row.KeyVersion).Msg("stored token undecryptable")
		return "", false
	}

	if expired(token, row.ExpiresAt) {
		return "", false
	}
	return token, true
}

// expired checks the token's own exp claim when it is a JWT, falling back
// to the stored expiry column. Signature verification is the vendor's
// problem; we only need the timestamp.
func expired(token string, storedExpiry *time.Time) bool {
	deadline := storedExpiry

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			deadline = &exp.Time
		}
	}

	if deadline == nil {
		return false
	}
	return time.Now().After(deadline.Add(-expiryMargin))
}

func (r *Resolver) login(ctx context.Context, userID string) (string, error) {
	r.mu.Lock()
	if last, ok := r.lastAttempt[userID]; ok && time.Since(last) < r.cooldown {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: user %s", ErrLoginCooldown, userID)
	}
	r.lastAttempt[userID] = time.Now()
	r.mu.Unlock()

	row, err := r.db.GetUserCredentials(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", fmt.Errorf("%w: user %s", ErrNoToken, userID)
		}
		return "", fmt.Errorf("load credentials: %w", err)
	}

	pin, err := r.enc.Decrypt(row.PinEncrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt pin: %w", err)
	}
	secret, err := r.enc.Decrypt(row.TOTPSecretEncrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt totp secret: %w", err)
	}

	token, expiry, err := upstox.TOTPLogin(ctx, r.httpClient, r.baseURL, upstox.Credentials{
		Mobile:     row.Mobile,
		Pin:        pin,
		TOTPSecret: secret,
	})
	if err != nil {
		return "", fmt.Errorf("totp login: %w", err)
	}

	encrypted, err := r.enc.Encrypt(token)
	if err != nil {
		return "", fmt.Errorf("encrypt token: %w", err)
	}
	if err := r.db.SaveUserToken(ctx, userID, encrypted, r.enc.Version(), &expiry); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("failed to persist token")
	}

	r.log.Info().Str("user_id", userID).Time("expires_at", expiry).Msg("logged in via totp")
	return token, nil
}
