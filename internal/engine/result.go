package engine

import "fmt"

// Result is the outcome of a venue or broker operation. A rejected operation
// is a business outcome, not a programming error, and is reported with
// OK=false rather than as a Go error.
type Result struct {
	OK  bool
	Err error
	// Raw is the provider payload the result was built from, if any.
	Raw any

	Order    *Order
	Position *Position
}

// Accepted builds a successful result.
func Accepted(raw any) *Result {
	return &Result{OK: true, Raw: raw}
}

// Rejected builds a failed result.
func Rejected(err error, raw any) *Result {
	return &Result{Err: err, Raw: raw}
}

func (r *Result) String() string {
	if r == nil {
		return "<nil>"
	}
	if r.OK {
		return "ok"
	}
	return fmt.Sprintf("rejected: %v", r.Err)
}
