package onchain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/MartianFinance/core/internal/errors"
)

func TestBuildTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/build-transaction", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		var req BuildRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "p-1", req.StrategyID)
		assert.Equal(t, "wallet", req.FeePayer)
		_ = json.NewEncoder(w).Encode(map[string]string{"optimizedTxPayload": "unsigned"})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/", Timeout: time.Second})
	payload, err := c.BuildTransaction(context.Background(), BuildRequest{StrategyID: "p-1", StrategyDescription: "stake", FeePayer: "wallet"})
	require.NoError(t, err)
	assert.Equal(t, "unsigned", payload)
}

func TestSendSignedTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/send-signed-transaction", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"transactionHash": "0xabc"})
	}))
	defer srv.Close()

	hash, err := NewClient(Config{BaseURL: srv.URL}).SendSignedTransaction(context.Background(), SendRequest{SignedTxPayload: "signed", StrategyID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", hash)
}

func TestUpstreamErrorsAreClassified(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status 500": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"rpc node down"}`))
		},
		"error body": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error":"insufficient funds"}`))
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
		"empty": func(w http.ResponseWriter, r *http.Request) {},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			_, err := NewClient(Config{BaseURL: srv.URL}).BuildTransaction(context.Background(), BuildRequest{StrategyID: "p-1"})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUpstream)
			assert.Equal(t, "The blockchain service is unavailable. Please try again.", xerrors.ClientMessage(err))
		})
	}
}

func TestStatusErrorKeepsDetailInMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).SendSignedTransaction(context.Background(), SendRequest{})
	e, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, "502", e.Metadata()["status"])
	assert.Contains(t, e.Message(), "bad gateway")
}

func TestMarketData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{"sol_price": 151.2})
	}))
	defer srv.Close()

	data, err := NewClient(Config{BaseURL: srv.URL}).MarketData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 151.2, data["sol_price"])
}

func TestTransportErrorIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	_, err := NewClient(Config{BaseURL: srv.URL, Timeout: 200 * time.Millisecond}).MarketData(context.Background())
	assert.ErrorIs(t, err, ErrUpstream)
}
