package model

import "errors"

// Error taxonomy shared by the engine, stores, and HTTP layer. Handlers map
// these to status codes with errors.Is; detail is attached by wrapping.
var (
	// ErrNotFound is returned when a market, user, or order does not exist.
	ErrNotFound = errors.New("model: not found")

	// ErrInvalidState is returned when an entity is in the wrong status for
	// the requested transition (already resolved, already cancelled, etc).
	ErrInvalidState = errors.New("model: invalid state for operation")

	// ErrMarketNotTradable is returned when an order targets a market that
	// is not open. A kind of invalid-state failure with its own identity so
	// callers can distinguish it.
	ErrMarketNotTradable = errors.New("model: market is not open for trading")

	// ErrForbidden is returned on an ownership violation.
	ErrForbidden = errors.New("model: operation not permitted")

	// ErrValidation is returned for malformed amounts, prices, or sides.
	ErrValidation = errors.New("model: validation failed")

	// ErrInsufficientFunds is returned when a balance cannot cover the
	// requested reservation or debit.
	ErrInsufficientFunds = errors.New("model: insufficient funds")

	// ErrConflict is returned when transaction retries are exhausted after
	// repeated write-write conflicts.
	ErrConflict = errors.New("model: transaction conflict, retries exhausted")
)
