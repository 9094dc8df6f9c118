package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"storefront-payments/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientFetchIncomingTransfers(t *testing.T) {
	var gotQuery, gotKey, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-API-Key")
		_ = json.NewEncoder(w).Encode(transfersResponse{
			OK: true,
			Transfers: []transferPayload{
				{TxHash: "a", Value: "1500000000", Memo: " ORDER_1 ", Confirmations: 3, Timestamp: 1700000000, Cursor: "10"},
				{TxHash: "b", Value: "1", Currency: "TON", Memo: "ORDER_2", Cursor: "11"},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL + "/", APIKey: "secret", Address: "EQabc", PageSize: 50})
	transfers, next, err := c.FetchIncomingTransfers(context.Background(), "9")
	require.NoError(t, err)

	assert.Equal(t, "/v1/accounts/EQabc/transfers", gotPath)
	assert.Contains(t, gotQuery, "after=9")
	assert.Contains(t, gotQuery, "limit=50")
	assert.Equal(t, "secret", gotKey)

	require.Len(t, transfers, 2)
	assert.True(t, decimal.RequireFromString("1.5").Equal(transfers[0].Amount))
	assert.Equal(t, "TON", transfers[0].Currency)
	assert.Equal(t, "ORDER_1", transfers[0].Memo)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), transfers[0].Timestamp)
	assert.True(t, decimal.RequireFromString("0.000000001").Equal(transfers[1].Amount))
	assert.Equal(t, "11", next)
}

func TestHTTPClientEmptyPageKeepsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"transfers":[]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL, Address: "EQabc"})
	transfers, next, err := c.FetchIncomingTransfers(context.Background(), "42")
	require.NoError(t, err)
	assert.Empty(t, transfers)
	assert.Equal(t, "42", next)
}

func TestHTTPClientUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}},
		{"not ok", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ok":false,"error":"rate limited"}`))
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{`))
		}},
		{"bad value", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ok":true,"transfers":[{"tx_hash":"x","value":"abc"}]}`))
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL, Address: "EQabc", Timeout: 50 * time.Millisecond})
			_, next, err := c.FetchIncomingTransfers(context.Background(), "7")
			require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
			assert.Equal(t, "7", next)
		})
	}
}

func TestToNano(t *testing.T) {
	assert.Equal(t, "1500000000", ToNano(decimal.RequireFromString("1.5")))
	assert.Equal(t, "1", ToNano(decimal.RequireFromString("0.0000000019")))
}

func TestFake(t *testing.T) {
	ctx := context.Background()
	f := NewFake("")

	h1 := f.Send(decimal.NewFromInt(1), "m1")
	f.Send(decimal.NewFromInt(2), "m2")

	got, next, err := f.FetchIncomingTransfers(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2", next)
	assert.False(t, got[0].Confirmed(1))

	f.Confirm(h1, 2)
	got, _, err = f.FetchIncomingTransfers(ctx, "")
	require.NoError(t, err)
	assert.True(t, got[0].Confirmed(2))
	assert.False(t, got[1].Confirmed(1))

	got, next, err = f.FetchIncomingTransfers(ctx, "2")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, "2", next)

	f.FailNext(1)
	_, _, err = f.FetchIncomingTransfers(ctx, "")
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	_, _, err = f.FetchIncomingTransfers(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 5, f.Calls())
}
