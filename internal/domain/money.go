package domain

import (
	"fmt"
	"strings"
)

// All money in the spine is carried as int64 minor units (cents, sats) with
// an ISO currency code alongside. Percent math rounds half-up so fee totals
// are stable across replays.

// Money is an amount in minor units of a single currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, strings.ToUpper(m.Currency))
}

// Add returns m + other. Currencies must match.
func (m Money) Add(other Money) (Money, error) {
	if !strings.EqualFold(m.Currency, other.Currency) {
		return Money{}, InvalidFieldError("currency", fmt.Sprintf("mismatch %s vs %s", m.Currency, other.Currency))
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

// PercentOf computes pct% of amount in minor units, rounded half-up.
// pct is expressed in whole percent (3.0 means 3%).
func PercentOf(amount int64, pct float64) int64 {
	return RoundHalfUp(float64(amount) * pct / 100)
}

// RoundHalfUp rounds to the nearest integer with .5 going away from zero.
func RoundHalfUp(v float64) int64 {
	if v >= 0 {
		return int64(v + 0.5)
	}
	return int64(v - 0.5)
}
