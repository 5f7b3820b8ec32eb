package escrow

import "errors"

// ErrValidation is matched by every caller-facing rejection. Rejected
// operations leave no state behind.
var ErrValidation = errors.New("escrow: validation failed")

// ErrExternalCall wraps failures reported by the asset ledger.
var ErrExternalCall = errors.New("escrow: external call failed")

var (
	ErrSelfEscrow          = validationError("escrow: cannot escrow to the same account")
	ErrCoordinatorCaller   = validationError("escrow: coordinator cannot take part in an escrow")
	ErrInsufficientDeposit = validationError("escrow: attached value must exceed the fee reserve")
	ErrEscrowExists        = validationError("escrow: buyer already has an escrow in flight")
	ErrNoEscrow            = validationError("escrow: no escrow found")
	ErrPurchasePending     = validationError("escrow: purchase still pending")
	ErrRefundPending       = validationError("escrow: purchase failed, refund pending")
	ErrUnknownLedger       = validationError("escrow: unknown asset ledger")
	ErrInsufficientFunds   = validationError("escrow: buyer balance does not cover attached value")
	ErrInvalidPrincipal    = validationError("escrow: invalid principal")
)

type validation struct{ msg string }

func validationError(msg string) error { return &validation{msg: msg} }

func (e *validation) Error() string { return e.msg }

func (e *validation) Is(target error) bool { return target == ErrValidation }
