package engine

import "errors"

var (
	// ErrInvalidTransition is returned when an operation is not legal in the
	// current state of an order, position or exchange.
	ErrInvalidTransition = errors.New("engine: invalid state transition")

	// ErrInvalidOrder is returned when order parameters contradict each other
	// or the order's side.
	ErrInvalidOrder = errors.New("engine: invalid order")

	// ErrReopen is returned when a closed order or position re-arrives in an
	// open state.
	ErrReopen = errors.New("engine: closed object cannot reopen")

	// ErrUnknownPosition is returned when an order refers to a position the
	// exchange does not know.
	ErrUnknownPosition = errors.New("engine: unknown position")

	// ErrNoUpdate is returned by update calls that carry no fields.
	ErrNoUpdate = errors.New("engine: nothing to update")
)
