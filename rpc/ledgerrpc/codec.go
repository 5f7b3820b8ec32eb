// Package ledgerrpc exposes an asset ledger over JSON-RPC 2.0 and provides the
// client the escrow coordinator uses to reach remote ledgers.
package ledgerrpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"assetescrow/native/assets"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	MethodPurchase    = "assets_purchase"
	MethodTransfer    = "assets_transfer"
	MethodHoldings    = "assets_holdings"
	MethodTotalSupply = "assets_totalSupply"
)

const (
	codeParseError         = -32700
	codeInvalidRequest     = -32600
	codeMethodNotFound     = -32601
	codeInvalidParams      = -32602
	codeServerError        = -32000
	codeUnauthorized       = -32001
	codePriceNotMet        = -32040
	codeInsufficientAssets = -32041
	codeSameAccount        = -32042
	codeInvalidAmount      = -32043
	codeInvalidQuantity    = -32044
	codeOverflow           = -32045
)

// ledgerErrors pairs wire codes with the ledger sentinels they carry.
var ledgerErrors = []struct {
	code int
	err  error
}{
	{codeUnauthorized, assets.ErrUnauthorized},
	{codePriceNotMet, assets.ErrPriceNotMet},
	{codeInsufficientAssets, assets.ErrInsufficientAssets},
	{codeSameAccount, assets.ErrSameAccount},
	{codeInvalidAmount, assets.ErrInvalidAmount},
	{codeInvalidQuantity, assets.ErrInvalidQuantity},
	{codeOverflow, assets.ErrOverflow},
}

// PurchaseParams is the single parameter of assets_purchase. Amount is a
// base-10 integer.
type PurchaseParams struct {
	Seller string `json:"seller"`
	Buyer  string `json:"buyer"`
	Amount string `json:"amount"`
}

type PurchaseResult struct {
	Quantity string `json:"quantity"`
}

type TransferParams struct {
	Quantity string `json:"quantity"`
	From     string `json:"from"`
	To       string `json:"to"`
}

type HoldingsParams struct {
	Owner string `json:"owner"`
}

type HoldingsResult struct {
	Owner    string `json:"owner"`
	Quantity string `json:"quantity"`
}

type SupplyResult struct {
	TotalSupply string `json:"totalSupply"`
	Price       string `json:"price"`
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type serverRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// errorCode classifies a ledger failure for the wire.
func errorCode(err error) (int, string) {
	for _, entry := range ledgerErrors {
		if errors.Is(err, entry.err) {
			return entry.code, err.Error()
		}
	}
	return codeServerError, "internal error"
}

// decodeError turns a wire error back into the matching ledger sentinel.
func decodeError(e *rpcError) error {
	for _, entry := range ledgerErrors {
		if entry.code == e.Code {
			return fmt.Errorf("%w (remote: %s)", entry.err, e.Message)
		}
	}
	return fmt.Errorf("ledgerrpc: error %d %s", e.Code, e.Message)
}
