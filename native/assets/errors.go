package assets

import "errors"

var (
	ErrUnauthorized       = errors.New("assets: caller is not the escrow principal")
	ErrPriceNotMet        = errors.New("assets: attached value below unit price")
	ErrInsufficientAssets = errors.New("assets: insufficient asset holdings")
	ErrInvalidAmount      = errors.New("assets: invalid amount")
	ErrInvalidQuantity    = errors.New("assets: quantity must be positive")
	ErrSameAccount        = errors.New("assets: source and destination must differ")
	ErrOverflow           = errors.New("assets: holdings overflow")
	ErrInvalidConfig      = errors.New("assets: invalid config")
)
