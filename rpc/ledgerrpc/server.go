package ledgerrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"

	"assetescrow/core/types"
	"assetescrow/native/assets"
	"assetescrow/observability"
)

const defaultClockSkew = 2 * time.Minute

var errUnauthenticated = errors.New("ledgerrpc: caller not authenticated")

// ServerConfig configures bearer token verification.
type ServerConfig struct {
	Secret    string
	Issuer    string
	ClockSkew time.Duration
}

// Server serves a single asset ledger over JSON-RPC.
type Server struct {
	ledger  *assets.Ledger
	secret  []byte
	issuer  string
	skew    time.Duration
	logger  *slog.Logger
	metrics *observability.LedgerRPCMetrics
}

type rpcCall struct {
	params []json.RawMessage
	caller types.Principal
}

type rpcFailure struct {
	status  int
	code    int
	message string
}

func (f *rpcFailure) Error() string { return f.message }

func invalidParams(format string, args ...interface{}) error {
	return &rpcFailure{status: http.StatusBadRequest, code: codeInvalidParams, message: fmt.Sprintf(format, args...)}
}

// NewServer wraps ledger. Tokens are verified with the shared HS256 secret.
func NewServer(ledger *assets.Ledger, cfg ServerConfig) (*Server, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledgerrpc: ledger required")
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, fmt.Errorf("ledgerrpc: secret required")
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = defaultClockSkew
	}
	return &Server{
		ledger:  ledger,
		secret:  []byte(secret),
		issuer:  strings.TrimSpace(cfg.Issuer),
		skew:    skew,
		logger:  slog.Default(),
		metrics: observability.LedgerRPC(),
	}, nil
}

// SetLogger overrides the server logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Handler returns the HTTP router serving the RPC endpoint and health probe.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/", s.handleRPC)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "failed to read request body")
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "request body too large")
		return
	}
	var req serverRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload")
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version")
		return
	}

	call := rpcCall{params: req.Params}
	caller, authErr := s.authenticate(r)
	if authErr == nil {
		call.caller = caller
	}

	start := time.Now()
	var (
		result interface{}
		callErr error
	)
	switch req.Method {
	case MethodPurchase:
		result, callErr = s.purchase(r.Context(), call, authErr)
	case MethodTransfer:
		result, callErr = s.transfer(r.Context(), call, authErr)
	case MethodHoldings:
		result, callErr = s.holdings(r.Context(), call)
	case MethodTotalSupply:
		result, callErr = s.totalSupply()
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
		return
	}
	s.metrics.Observe(req.Method, time.Since(start), callErr)

	if callErr != nil {
		var failure *rpcFailure
		if errors.As(callErr, &failure) {
			writeError(w, failure.status, req.ID, failure.code, failure.message)
			return
		}
		code, message := errorCode(callErr)
		status := http.StatusBadRequest
		if code == codeServerError {
			status = http.StatusInternalServerError
			s.logger.Error("ledger rpc call failed", slog.String("method", req.Method), slog.Any("error", callErr))
		} else if code == codeUnauthorized {
			status = http.StatusForbidden
		}
		writeError(w, status, req.ID, code, message)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) authenticate(r *http.Request) (types.Principal, error) {
	raw := extractBearer(r.Header.Get("Authorization"))
	if raw == "" {
		return "", errUnauthenticated
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.skew),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	if !token.Valid {
		return "", errUnauthenticated
	}
	return types.ParsePrincipal(claims.Subject)
}

func requireCaller(authErr error) error {
	if authErr == nil {
		return nil
	}
	return &rpcFailure{status: http.StatusUnauthorized, code: codeUnauthorized, message: "valid bearer token required"}
}

func decodeParam(params []json.RawMessage, out interface{}) error {
	if len(params) != 1 {
		return invalidParams("expected a single parameter object")
	}
	if err := json.Unmarshal(params[0], out); err != nil {
		return invalidParams("invalid parameter object: %v", err)
	}
	return nil
}

func parsePrincipalParam(name, raw string) (types.Principal, error) {
	p, err := types.ParsePrincipal(raw)
	if err != nil {
		return "", invalidParams("%s: %v", name, err)
	}
	return p, nil
}

func (s *Server) purchase(ctx context.Context, call rpcCall, authErr error) (interface{}, error) {
	if err := requireCaller(authErr); err != nil {
		return nil, err
	}
	var params PurchaseParams
	if err := decodeParam(call.params, &params); err != nil {
		return nil, err
	}
	seller, err := parsePrincipalParam("seller", params.Seller)
	if err != nil {
		return nil, err
	}
	buyer, err := parsePrincipalParam("buyer", params.Buyer)
	if err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(params.Amount), 10)
	if !ok {
		return nil, invalidParams("amount must be a base-10 integer")
	}
	qty, err := s.ledger.PurchaseAsset(ctx, call.caller, seller, buyer, amount)
	if err != nil {
		return nil, err
	}
	return PurchaseResult{Quantity: qty.Dec()}, nil
}

func (s *Server) transfer(ctx context.Context, call rpcCall, authErr error) (interface{}, error) {
	if err := requireCaller(authErr); err != nil {
		return nil, err
	}
	var params TransferParams
	if err := decodeParam(call.params, &params); err != nil {
		return nil, err
	}
	from, err := parsePrincipalParam("from", params.From)
	if err != nil {
		return nil, err
	}
	to, err := parsePrincipalParam("to", params.To)
	if err != nil {
		return nil, err
	}
	qty, err := uint256.FromDecimal(strings.TrimSpace(params.Quantity))
	if err != nil {
		return nil, invalidParams("quantity: %v", err)
	}
	if err := s.ledger.TransferAsset(ctx, call.caller, qty, from, to); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Server) holdings(ctx context.Context, call rpcCall) (interface{}, error) {
	var params HoldingsParams
	if err := decodeParam(call.params, &params); err != nil {
		return nil, err
	}
	owner, err := parsePrincipalParam("owner", params.Owner)
	if err != nil {
		return nil, err
	}
	qty, err := s.ledger.Holdings(ctx, owner)
	if err != nil {
		return nil, err
	}
	return HoldingsResult{Owner: owner.String(), Quantity: qty.Dec()}, nil
}

func (s *Server) totalSupply() (interface{}, error) {
	return SupplyResult{
		TotalSupply: s.ledger.TotalSupply().Dec(),
		Price:       s.ledger.Price().Dec(),
	}, nil
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func writeError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	resp := rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &rpcError{Code: code, Message: message}}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	encoded, err := json.Marshal(result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, id, codeServerError, "failed to encode result")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Result: encoded})
}
