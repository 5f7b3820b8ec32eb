package ledgerrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"assetescrow/core/types"
	"assetescrow/native/escrow"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultTokenTTL = time.Minute
)

// Config configures a remote asset ledger client.
type Config struct {
	URL string
	// Caller is the principal the client authenticates as, normally the
	// escrow coordinator.
	Caller types.Principal
	Secret string
	Issuer string
	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	TokenTTL          time.Duration
	Now               func() time.Time
	Transport         http.RoundTripper
}

// Client calls an asset ledger served by Server.
type Client struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	caller     types.Principal
	secret     []byte
	issuer     string
	ttl        time.Duration
	now        func() time.Time
	nextID     atomic.Int64
}

var _ escrow.AssetLedger = (*Client)(nil)

// NewClient constructs a client for the given ledger endpoint.
func NewClient(cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("ledgerrpc: url required")
	}
	if err := cfg.Caller.Validate(); err != nil {
		return nil, fmt.Errorf("ledgerrpc: caller: %w", err)
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, fmt.Errorf("ledgerrpc: secret required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(transport)},
		limiter:    limiter,
		caller:     cfg.Caller,
		secret:     []byte(secret),
		issuer:     strings.TrimSpace(cfg.Issuer),
		ttl:        ttl,
		now:        now,
	}, nil
}

// PurchaseAsset implements escrow.AssetLedger.
func (c *Client) PurchaseAsset(ctx context.Context, seller, buyer types.Principal, amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return nil, fmt.Errorf("ledgerrpc: amount required")
	}
	params := PurchaseParams{Seller: seller.String(), Buyer: buyer.String(), Amount: amount.String()}
	var result PurchaseResult
	if err := c.call(ctx, MethodPurchase, []interface{}{params}, &result); err != nil {
		return nil, err
	}
	qty, err := uint256.FromDecimal(result.Quantity)
	if err != nil {
		return nil, fmt.Errorf("ledgerrpc: decode quantity: %w", err)
	}
	return qty, nil
}

// TransferAsset implements escrow.AssetLedger.
func (c *Client) TransferAsset(ctx context.Context, quantity *uint256.Int, from, to types.Principal) error {
	if quantity == nil {
		return fmt.Errorf("ledgerrpc: quantity required")
	}
	params := TransferParams{Quantity: quantity.Dec(), From: from.String(), To: to.String()}
	var ok bool
	return c.call(ctx, MethodTransfer, []interface{}{params}, &ok)
}

// Holdings returns the quantity held by owner.
func (c *Client) Holdings(ctx context.Context, owner types.Principal) (*uint256.Int, error) {
	var result HoldingsResult
	if err := c.call(ctx, MethodHoldings, []interface{}{HoldingsParams{Owner: owner.String()}}, &result); err != nil {
		return nil, err
	}
	return uint256.FromDecimal(result.Quantity)
}

// TotalSupply returns the asset's issued supply and unit price.
func (c *Client) TotalSupply(ctx context.Context) (supply, price *uint256.Int, err error) {
	var result SupplyResult
	if err := c.call(ctx, MethodTotalSupply, []interface{}{}, &result); err != nil {
		return nil, nil, err
	}
	if supply, err = uint256.FromDecimal(result.TotalSupply); err != nil {
		return nil, nil, fmt.Errorf("ledgerrpc: decode supply: %w", err)
	}
	if price, err = uint256.FromDecimal(result.Price); err != nil {
		return nil, nil, fmt.Errorf("ledgerrpc: decode price: %w", err)
	}
	return supply, price, nil
}

func (c *Client) token() (string, error) {
	issued := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   c.caller.String(),
		Issuer:    c.issuer,
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(c.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("ledgerrpc: client not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ledgerrpc: rate limit: %w", err)
	}
	id := c.nextID.Add(1)
	buf, err := json.Marshal(rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	token, err := c.token()
	if err != nil {
		return fmt.Errorf("ledgerrpc: sign token: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("ledgerrpc: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return decodeError(rpcResp.Error)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ledgerrpc: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("ledgerrpc: empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
