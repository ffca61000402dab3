package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/crypto"
	"github.com/pranavchavda/niftystrategist-v2-sub001/pkg/db"
)

const totpSeed = "JBSWY3DPEHPK3PXP"

func newTestResolver(t *testing.T, baseURL string) (*Resolver, *db.Database, *crypto.Encryptor) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	enc, err := crypto.NewEncryptor([]byte("0123456789abcdef0123456789abcdef"), 1)
	require.NoError(t, err)

	r := NewResolver(database, enc, baseURL, 300*time.Second, nil, zerolog.Nop())
	return r, database, enc
}

func storeToken(t *testing.T, database *db.Database, enc *crypto.Encryptor, userID, token string, expiresAt *time.Time) {
	t.Helper()
	encrypted, err := enc.Encrypt(token)
	require.NoError(t, err)
	require.NoError(t, database.SaveUserToken(context.Background(), userID, encrypted, enc.Version(), expiresAt))
}

func storeCredentials(t *testing.T, database *db.Database, enc *crypto.Encryptor, userID string) {
	t.Helper()
	pin, err := enc.Encrypt("112233")
	require.NoError(t, err)
	secret, err := enc.Encrypt(totpSeed)
	require.NoError(t, err)
	require.NoError(t, database.SaveUserCredentials(context.Background(), db.UserCredentials{
		UserID:              userID,
		Mobile:              "9999999999",
		PinEncrypted:        pin,
		TOTPSecretEncrypted: secret,
		KeyVersion:          enc.Version(),
	}))
}

func loginServer(t *testing.T, token string, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/login/authorization/totp", r.URL.Path)
		calls.Add(1)
		fmt.Fprintf(w, `{"data":{"access_token":%q,"expires_in":3600}}`, token)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveOverrideWins(t *testing.T) {
	r, database, enc := newTestResolver(t, "http://unused")
	storeToken(t, database, enc, "alice", "stored-token", nil)
	r.SetOverride("alice", "override-token")

	token, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "override-token", token)

	t.Run("removing the override falls back to storage", func(t *testing.T) {
		r.SetOverride("alice", "")
		token, err := r.Resolve(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, "stored-token", token)
	})
}

func TestResolveStoredToken(t *testing.T) {
	r, database, enc := newTestResolver(t, "http://unused")
	future := time.Now().Add(6 * time.Hour)
	storeToken(t, database, enc, "alice", "stored-token", &future)

	token, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "stored-token", token)
}

func TestResolveLogsInWhenTokenExpired(t *testing.T) {
	var calls atomic.Int64
	srv := loginServer(t, "fresh-token", &calls)
	r, database, enc := newTestResolver(t, srv.URL)

	past := time.Now().Add(-time.Hour)
	storeToken(t, database, enc, "alice", "stale-token", &past)
	storeCredentials(t, database, enc, "alice")

	token, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.EqualValues(t, 1, calls.Load())

	// The fresh token was persisted: the next resolve reads storage and
	// does not log in again.
	token, err = r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.EqualValues(t, 1, calls.Load())

	row, err := database.GetUserToken(context.Background(), "alice")
	require.NoError(t, err)
	decrypted, err := enc.Decrypt(row.TokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", decrypted)
}

func TestResolveUsesJWTExpiry(t *testing.T) {
	var calls atomic.Int64
	srv := loginServer(t, "fresh-token", &calls)
	r, database, enc := newTestResolver(t, srv.URL)

	// JWT says expired even though the stored column says otherwise.
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("irrelevant"))
	require.NoError(t, err)

	future := time.Now().Add(6 * time.Hour)
	storeToken(t, database, enc, "alice", expired, &future)
	storeCredentials(t, database, enc, "alice")

	token, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.EqualValues(t, 1, calls.Load())
}

func TestResolveLoginCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"invalid totp"}]}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	r, database, enc := newTestResolver(t, srv.URL)
	storeCredentials(t, database, enc, "alice")

	_, err := r.Resolve(context.Background(), "alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLoginCooldown)

	_, err = r.Resolve(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrLoginCooldown)
}

func TestResolveNoCredentials(t *testing.T) {
	r, _, _ := newTestResolver(t, "http://unused")
	_, err := r.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestInvalidateForcesRelogin(t *testing.T) {
	var calls atomic.Int64
	srv := loginServer(t, "fresh-token", &calls)
	r, database, enc := newTestResolver(t, srv.URL)

	future := time.Now().Add(6 * time.Hour)
	storeToken(t, database, enc, "alice", "rejected-token", &future)
	storeCredentials(t, database, enc, "alice")

	r.Invalidate(context.Background(), "alice")

	token, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.EqualValues(t, 1, calls.Load())
}
