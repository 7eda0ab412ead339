// Package pricing derives charge amounts for registrations and donations.
// Everything here is pure: no I/O, no clocks, no shared state.
package pricing

import (
	"errors"
	"math"
)

var ErrInvalidAmount = errors.New("amount must be a positive number")

// ComputeEventSubtotal returns what a party owes for an event.
//
// A selected sponsorship price is the subtotal outright, including 0 for a
// pay-what-you-wish tier, and is never capped. Otherwise the per-head total
// is clamped to familyCap when the event defines one.
func ComputeEventSubtotal(adults, kids int, pricePerAdult, kidsPrice float64, sponsorshipPrice, familyCap *float64) float64 {
	if sponsorshipPrice != nil {
		return *sponsorshipPrice
	}
	raw := float64(adults)*pricePerAdult + float64(kids)*kidsPrice
	if familyCap != nil && raw > *familyCap {
		return *familyCap
	}
	return raw
}

// ComputeDonationAmount returns the amount to charge for a donation. The
// amount itself is passed through; non-finite and non-positive input is rejected.
func ComputeDonationAmount(raw float64) (float64, error) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw <= 0 {
		return 0, ErrInvalidAmount
	}
	return raw, nil
}

// ToCents converts decimal dollars to minor units with round(amount*100).
func ToCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func FromCents(cents int64) float64 {
	return float64(cents) / 100
}
