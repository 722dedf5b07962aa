package contract

import "errors"

var (
	// ErrInvalidParameters is returned for malformed or out of policy
	// contract terms.
	ErrInvalidParameters = errors.New("invalid contract parameters")

	// ErrInvalidState is returned when a record lacks data the requested
	// operation needs.
	ErrInvalidState = errors.New("invalid contract state")

	// ErrOutOfRange is returned when an amount is not representable.
	ErrOutOfRange = errors.New("amount out of range")
)
