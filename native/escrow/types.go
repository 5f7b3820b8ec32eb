package escrow

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"assetescrow/core/types"
)

// State captures the lifecycle stage of a stored escrow record. Completed and
// refunded escrows are removed from the store, so only the in-flight stages
// are representable.
type State uint8

const (
	// StateEscrowed means value is locked and the purchase call is outstanding.
	StateEscrowed State = iota + 1
	// StateActive means the purchase succeeded and the buyer may approve or
	// cancel.
	StateActive
	// StateRefunding means the purchase failed but the refund could not be
	// paid. The buyer is owed the full locked amount; the record is never
	// released to the seller.
	StateRefunding
)

func (s State) Valid() bool {
	return s == StateEscrowed || s == StateActive || s == StateRefunding
}

func (s State) String() string {
	switch s {
	case StateEscrowed:
		return "escrowed"
	case StateActive:
		return "active"
	case StateRefunding:
		return "refunding"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseState maps the textual state used by persistence backends back to a
// State value.
func ParseState(raw string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "escrowed":
		return StateEscrowed, nil
	case "active":
		return StateActive, nil
	case "refunding":
		return StateRefunding, nil
	default:
		return 0, fmt.Errorf("escrow: unknown state %q", raw)
	}
}

// Record is the coordinator's per-buyer escrow entry. The identifier is the
// keccak256 hash of buyer, seller, ledger id and creation time and is used to
// correlate asynchronous continuations with the record that issued them.
type Record struct {
	ID                [32]byte
	Buyer             types.Principal
	Seller            types.Principal
	LockedAmount      *big.Int
	FeeReserve        *big.Int
	AssetLedgerID     string
	PurchasedQuantity *uint256.Int
	State             State
	CreatedAt         int64
}

// Clone returns a deep copy of the record so callers can mutate it without
// affecting the stored instance.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.LockedAmount = cloneBigInt(r.LockedAmount)
	clone.FeeReserve = cloneBigInt(r.FeeReserve)
	if r.PurchasedQuantity != nil {
		clone.PurchasedQuantity = r.PurchasedQuantity.Clone()
	} else {
		clone.PurchasedQuantity = uint256.NewInt(0)
	}
	return &clone
}

// IDHex renders the identifier as a 0x-prefixed hex string.
func (r *Record) IDHex() string {
	if r == nil {
		return ""
	}
	return "0x" + hex.EncodeToString(r.ID[:])
}

// SellerProceeds is the value released to the seller on approval or expiry.
func (r *Record) SellerProceeds() *big.Int {
	proceeds := new(big.Int).Sub(cloneBigInt(r.LockedAmount), cloneBigInt(r.FeeReserve))
	if proceeds.Sign() < 0 {
		return big.NewInt(0)
	}
	return proceeds
}

// ComputeID derives the deterministic record identifier.
func ComputeID(buyer, seller types.Principal, ledgerID string, createdAt int64) [32]byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt))
	hash := ethcrypto.Keccak256Hash(
		[]byte(buyer), []byte{0},
		[]byte(seller), []byte{0},
		[]byte(ledgerID), []byte{0},
		ts[:],
	)
	var id [32]byte
	copy(id[:], hash.Bytes())
	return id
}

// SanitizeRecord validates a record prior to persistence and returns a
// normalised clone. The original is not mutated.
func SanitizeRecord(r *Record) (*Record, error) {
	if r == nil {
		return nil, fmt.Errorf("escrow: nil record")
	}
	clone := r.Clone()
	if err := clone.Buyer.Validate(); err != nil {
		return nil, fmt.Errorf("escrow: buyer: %w", err)
	}
	if err := clone.Seller.Validate(); err != nil {
		return nil, fmt.Errorf("escrow: seller: %w", err)
	}
	if clone.LockedAmount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: locked amount must be positive")
	}
	if clone.FeeReserve.Sign() < 0 {
		return nil, fmt.Errorf("escrow: fee reserve must be non-negative")
	}
	clone.AssetLedgerID = strings.TrimSpace(clone.AssetLedgerID)
	if clone.AssetLedgerID == "" {
		return nil, fmt.Errorf("escrow: asset ledger id required")
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("escrow: invalid state %d", clone.State)
	}
	return clone, nil
}

// PendingView is the read-only projection returned by ViewPending.
type PendingView struct {
	Seller       types.Principal `json:"seller"`
	LockedAmount *big.Int        `json:"lockedAmount"`
	CreatedAt    int64           `json:"createdAt"`
}

// InitiateRequest carries the caller-supplied inputs of an escrow purchase.
// Attached is the native value the buyer deposits with the call.
type InitiateRequest struct {
	Buyer         types.Principal
	Seller        types.Principal
	AssetLedgerID string
	Attached      *big.Int
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
