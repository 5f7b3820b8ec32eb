package ledgerrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"assetescrow/core/types"
	"assetescrow/native/assets"
)

const testSecret = "ledger-secret"

func newTestLedger(t *testing.T) *assets.Ledger {
	t.Helper()
	ledger, err := assets.NewLedger(context.Background(), assets.Config{
		Price:       uint256.NewInt(10),
		TotalSupply: uint256.NewInt(1000),
		Owner:       "bob",
		Escrow:      "escrow",
	}, nil)
	require.NoError(t, err)
	return ledger
}

func newTestServer(t *testing.T, ledger *assets.Ledger) *httptest.Server {
	t.Helper()
	srv, err := NewServer(ledger, ServerConfig{Secret: testSecret, Issuer: "escrowd"})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, url string, caller types.Principal, secret string) *Client {
	t.Helper()
	client, err := NewClient(Config{URL: url, Caller: caller, Secret: secret, Issuer: "escrowd"})
	require.NoError(t, err)
	return client
}

func TestClientPurchaseAndViews(t *testing.T) {
	ledger := newTestLedger(t)
	ts := newTestServer(t, ledger)
	client := newTestClient(t, ts.URL, "escrow", testSecret)
	ctx := context.Background()

	qty, err := client.PurchaseAsset(ctx, "bob", "alice", big.NewInt(105))
	require.NoError(t, err)
	require.Equal(t, uint64(10), qty.Uint64())

	held, err := client.Holdings(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(10), held.Uint64())

	supply, price, err := client.TotalSupply(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), supply.Uint64())
	require.Equal(t, uint64(10), price.Uint64())

	require.NoError(t, client.TransferAsset(ctx, uint256.NewInt(4), "alice", "bob"))
	local, err := ledger.Holdings(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, uint64(994), local.Uint64())
}

func TestClientDecodesLedgerErrors(t *testing.T) {
	ts := newTestServer(t, newTestLedger(t))
	ctx := context.Background()
	client := newTestClient(t, ts.URL, "escrow", testSecret)

	_, err := client.PurchaseAsset(ctx, "bob", "alice", big.NewInt(5))
	require.ErrorIs(t, err, assets.ErrPriceNotMet)

	_, err = client.PurchaseAsset(ctx, "bob", "alice", big.NewInt(10_000))
	require.ErrorIs(t, err, assets.ErrInsufficientAssets)

	_, err = client.PurchaseAsset(ctx, "bob", "bob", big.NewInt(100))
	require.ErrorIs(t, err, assets.ErrSameAccount)

	err = client.TransferAsset(ctx, uint256.NewInt(1), "alice", "bob")
	require.ErrorIs(t, err, assets.ErrInsufficientAssets)

	err = client.TransferAsset(ctx, uint256.NewInt(0), "bob", "alice")
	require.ErrorIs(t, err, assets.ErrInvalidQuantity)

	intruder := newTestClient(t, ts.URL, "mallory", testSecret)
	_, err = intruder.PurchaseAsset(ctx, "bob", "alice", big.NewInt(100))
	require.ErrorIs(t, err, assets.ErrUnauthorized)
}

func TestServerRejectsBadTokens(t *testing.T) {
	ts := newTestServer(t, newTestLedger(t))
	ctx := context.Background()

	forged := newTestClient(t, ts.URL, "escrow", "wrong-secret")
	_, err := forged.PurchaseAsset(ctx, "bob", "alice", big.NewInt(100))
	require.ErrorIs(t, err, assets.ErrUnauthorized)

	// Views do not need a verified caller.
	held, err := forged.Holdings(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), held.Uint64())

	expired, err := NewClient(Config{
		URL:    ts.URL,
		Caller: "escrow",
		Secret: testSecret,
		Issuer: "escrowd",
		Now:    func() time.Time { return time.Now().Add(-time.Hour) },
	})
	require.NoError(t, err)
	_, err = expired.PurchaseAsset(ctx, "bob", "alice", big.NewInt(100))
	require.ErrorIs(t, err, assets.ErrUnauthorized)
}

func postRaw(t *testing.T, url string, body string) (int, rpcResponse) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestServerRequestValidation(t *testing.T) {
	ts := newTestServer(t, newTestLedger(t))

	status, resp := postRaw(t, ts.URL, `{`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeParseError, resp.Error.Code)

	status, resp = postRaw(t, ts.URL, `{"jsonrpc":"1.0","id":1,"method":"assets_holdings"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeInvalidRequest, resp.Error.Code)

	status, resp = postRaw(t, ts.URL, `{"jsonrpc":"2.0","id":2,"method":"assets_mint","params":[]}`)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)
	require.JSONEq(t, `2`, string(resp.ID))

	status, resp = postRaw(t, ts.URL, `{"jsonrpc":"2.0","id":3,"method":"assets_holdings","params":[{"owner":"NOT VALID"}]}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	status, resp = postRaw(t, ts.URL, `{"jsonrpc":"2.0","id":4,"method":"assets_purchase","params":[{"seller":"bob","buyer":"alice","amount":"100"}]}`)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)
}

func TestClientRateLimit(t *testing.T) {
	ts := newTestServer(t, newTestLedger(t))
	client, err := NewClient(Config{
		URL:               ts.URL,
		Caller:            "escrow",
		Secret:            testSecret,
		Issuer:            "escrowd",
		RequestsPerSecond: 0.001,
		Burst:             1,
	})
	require.NoError(t, err)

	_, err = client.Holdings(context.Background(), "bob")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Holdings(ctx, "bob")
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit")
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{Caller: "escrow", Secret: "s"})
	require.Error(t, err)
	_, err = NewClient(Config{URL: "http://ledger", Caller: "X", Secret: "s"})
	require.Error(t, err)
	_, err = NewClient(Config{URL: "http://ledger", Caller: "escrow"})
	require.Error(t, err)
}

func TestDecodeErrorUnknownCode(t *testing.T) {
	err := decodeError(&rpcError{Code: -32099, Message: "boom"})
	require.EqualError(t, err, "ledgerrpc: error -32099 boom")
	for _, entry := range ledgerErrors {
		require.True(t, errors.Is(decodeError(&rpcError{Code: entry.code}), entry.err))
	}
}
