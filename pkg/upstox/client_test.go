package upstox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceOrderPaperNeverTouchesNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("paper order must not hit the API")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "alice", true)
	resp, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "RELIANCE", TransactionType: "BUY", Quantity: 1})
	require.NoError(t, err)
	assert.True(t, resp.Paper)
	assert.True(t, strings.HasPrefix(resp.OrderID, "paper-"))
}

func TestPlaceOrderLive(t *testing.T) {
	var gotAuth string
	var gotReq OrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]string{"order_id": "240901000001"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "alice", false)
	resp, err := c.PlaceOrder(context.Background(), OrderRequest{
		InstrumentToken: "NSE_EQ|RELIANCE",
		Symbol:          "RELIANCE",
		TransactionType: "SELL",
		Quantity:        5,
		OrderType:       "MARKET",
	})
	require.NoError(t, err)
	assert.Equal(t, "240901000001", resp.OrderID)
	assert.False(t, resp.Paper)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "SELL", gotReq.TransactionType)
	assert.Equal(t, "DAY", gotReq.Validity, "validity defaulted")
}

func TestPlaceOrderLiveErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"message":"insufficient funds"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "alice", false)
	_, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "X", Quantity: 1})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Contains(t, se.Message, "insufficient funds")
}

func TestAuthorizeFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/portfolio-stream-feed/authorize", r.URL.Path)
		assert.Equal(t, "order,position,holding", r.URL.Query().Get("update_types"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]string{"authorizedRedirectUri": "wss://feed.example/ws"},
		})
	}))
	defer srv.Close()

	u, err := AuthorizeFeed(context.Background(), srv.Client(), srv.URL, "portfolio-stream-feed", "tok", "order,position,holding")
	require.NoError(t, err)
	assert.Equal(t, "wss://feed.example/ws", u)
}

func TestAuthorizeFeedFailures(t *testing.T) {
	t.Run("non-200 carries status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := AuthorizeFeed(context.Background(), srv.Client(), srv.URL, "market-data-feed", "bad", "")
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusUnauthorized, se.Code)
	})

	t.Run("missing redirect uri", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"success","data":{}}`))
		}))
		defer srv.Close()

		_, err := AuthorizeFeed(context.Background(), srv.Client(), srv.URL, "market-data-feed", "tok", "")
		assert.ErrorContains(t, err, "authorizedRedirectUri")
	})
}

func TestTOTPLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "9999900000", body["mobile"])
		assert.Len(t, body["totp"], 6)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"access_token": "new-token", "expires_in": 3600},
		})
	}))
	defer srv.Close()

	// Base32 seed; any valid seed works since the server does not verify.
	creds := Credentials{Mobile: "9999900000", Pin: "123456", TOTPSecret: "JBSWY3DPEHPK3PXP"}
	token, expiry, err := TOTPLogin(context.Background(), srv.Client(), srv.URL, creds)
	require.NoError(t, err)
	assert.Equal(t, "new-token", token)
	assert.False(t, expiry.IsZero())
}

func TestTOTPLoginRejectsBadSecret(t *testing.T) {
	_, _, err := TOTPLogin(context.Background(), nil, "http://127.0.0.1:0", Credentials{TOTPSecret: "not base32!"})
	assert.Error(t, err)
}
