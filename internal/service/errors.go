// Package service holds the admission-and-inventory core of the sale: the
// reservation gate, the Redis stock ledger, the order writer and the
// settlement side that confirms or cancels orders.
package service

import "errors"

// Policy outcomes.  They are expected, user-facing results of a purchase
// attempt; the error text doubles as the wire code returned to clients.
var (
	ErrNotFound         = errors.New("not_found")
	ErrNotStarted       = errors.New("not_started")
	ErrEnded            = errors.New("ended")
	ErrSoldOut          = errors.New("sold_out")
	ErrAlreadyAttempted = errors.New("already_attempted")
	ErrInvalidQuantity  = errors.New("invalid_quantity")
)

// ErrUnavailable wraps every infrastructure failure on the purchase path.
// Callers get a generic "try again" and must not assume the purchase
// failed: a committed order may exist, so clients poll order status.
var ErrUnavailable = errors.New("unavailable")

// ErrReconcileTimeout is returned when another process holds the
// reconciliation lock and the counter did not appear within the wait bound.
var ErrReconcileTimeout = errors.New("stock reconciliation timed out")

// Quantity bounds accepted by PlaceOrder.
const (
	MinQuantity = 1
	MaxQuantity = 10
)

var policyErrors = []error{ErrNotFound, ErrNotStarted, ErrEnded, ErrSoldOut, ErrAlreadyAttempted, ErrInvalidQuantity}

// Code maps a PlaceOrder result to its wire code: "success" for nil, the
// policy code for policy errors and "unavailable" for everything else.
func Code(err error) string {
	if err == nil {
		return "success"
	}
	for _, p := range policyErrors {
		if errors.Is(err, p) {
			return p.Error()
		}
	}
	return ErrUnavailable.Error()
}

// IsPolicy reports whether err is an expected, user-facing outcome rather
// than an infrastructure failure.
func IsPolicy(err error) bool {
	for _, p := range policyErrors {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}
