package account

import "math"

// FeeModel prices a single fill. Implementations return a non-positive cost
// that is added to cash.
type FeeModel interface {
	Fee(size float64) float64
}

// Commission charges Rate per unit traded.
type Commission struct {
	Rate float64
}

func (c Commission) Fee(size float64) float64 {
	return -c.Rate * math.Abs(size)
}

// FlatFee charges a fixed Amount per fill regardless of size.
type FlatFee struct {
	Amount float64
}

func (f FlatFee) Fee(float64) float64 {
	return -math.Abs(f.Amount)
}
