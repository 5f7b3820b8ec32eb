package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"assetescrow/core/types"
	"assetescrow/native/escrow"
)

const wsWriteTimeout = 10 * time.Second

// InitiateRequest is the body of POST /v1/escrows. Attached is a base-10
// integer amount of native value.
type InitiateRequest struct {
	Seller        string `json:"seller"`
	AssetLedgerID string `json:"assetLedgerId"`
	Attached      string `json:"attached"`
}

// RecordResponse renders an escrow record.
type RecordResponse struct {
	ID                string `json:"id"`
	Buyer             string `json:"buyer"`
	Seller            string `json:"seller"`
	AssetLedgerID     string `json:"assetLedgerId"`
	LockedAmount      string `json:"lockedAmount"`
	FeeReserve        string `json:"feeReserve"`
	PurchasedQuantity string `json:"purchasedQuantity"`
	State             string `json:"state"`
	CreatedAt         int64  `json:"createdAt"`
}

type SweepResponse struct {
	Settled []string `json:"settled"`
	Skipped []string `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

type BalanceResponse struct {
	Principal string `json:"principal"`
	Balance   string `json:"balance"`
}

func newRecordResponse(r *escrow.Record) RecordResponse {
	resp := RecordResponse{
		ID:            r.IDHex(),
		Buyer:         r.Buyer.String(),
		Seller:        r.Seller.String(),
		AssetLedgerID: r.AssetLedgerID,
		LockedAmount:  "0",
		FeeReserve:    "0",
		State:         r.State.String(),
		CreatedAt:     r.CreatedAt,
	}
	if r.LockedAmount != nil {
		resp.LockedAmount = r.LockedAmount.String()
	}
	if r.FeeReserve != nil {
		resp.FeeReserve = r.FeeReserve.String()
	}
	resp.PurchasedQuantity = "0"
	if r.PurchasedQuantity != nil {
		resp.PurchasedQuantity = r.PurchasedQuantity.Dec()
	}
	return resp
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFromContext(r.Context())
	body, err := readRequestBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req InitiateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	seller, err := types.ParsePrincipal(req.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("seller: %w", err))
		return
	}
	attached, ok := new(big.Int).SetString(strings.TrimSpace(req.Attached), 10)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("attached must be a base-10 integer"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	record, err := s.coordinator.Initiate(ctx, escrow.InitiateRequest{
		Buyer:         caller,
		Seller:        seller,
		AssetLedgerID: req.AssetLedgerID,
		Attached:      attached,
	})
	if err != nil {
		s.writeCoordinatorError(w, "initiate", err)
		return
	}
	writeJSON(w, http.StatusAccepted, newRecordResponse(record))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, "approve", s.coordinator.Approve)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, "cancel", s.coordinator.Cancel)
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, types.Principal) (*escrow.Record, error)) {
	caller, _ := PrincipalFromContext(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	record, err := fn(ctx, caller)
	if err != nil {
		s.writeCoordinatorError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponse(record))
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	result, err := s.coordinator.Sweep(ctx)
	if result == nil {
		s.writeCoordinatorError(w, "sweep", err)
		return
	}
	resp := SweepResponse{
		Settled: principalStrings(result.Settled),
		Skipped: principalStrings(result.Skipped),
	}
	status := http.StatusOK
	if err != nil {
		resp.Errors = []string{err.Error()}
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleViewPending(w http.ResponseWriter, r *http.Request) {
	buyer, err := types.ParsePrincipal(chi.URLParam(r, "buyer"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("buyer: %w", err))
		return
	}
	view, ok, err := s.coordinator.ViewPending(r.Context(), buyer)
	if err != nil {
		s.writeCoordinatorError(w, "view", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, escrow.ErrNoEscrow)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	principal, err := types.ParsePrincipal(chi.URLParam(r, "principal"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("principal: %w", err))
		return
	}
	balance, err := s.accounts.Balance(r.Context(), principal)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Principal: principal.String(), Balance: balance.String()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event stream disabled"))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()
	// Reads are only needed to observe the peer closing the connection.
	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, conn, updates); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, updates <-chan types.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			data, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (s *Server) writeCoordinatorError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("escrowd: coordinator call failed", "op", op, "error", err)
	}
	writeError(w, status, err)
}

func principalStrings(in []types.Principal) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		out = append(out, p.String())
	}
	return out
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
