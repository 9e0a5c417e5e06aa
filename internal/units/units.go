// Package units converts between display amounts and minor units.
//
// Both USDT (TRC-20) and the native TRX token carry 6 decimal places on
// this ledger. Token amounts are held as big.Int in the smallest unit
// (1 USDT = 1,000,000 units); native gas amounts are small enough to fit
// an int64 of SUN (1 TRX = 1,000,000 SUN).
package units

import (
	"math/big"
	"strings"
)

// Decimals is the shared decimal exponent for USDT and TRX.
const Decimals = 6

// SunPerTRX is the number of SUN minor units in one TRX.
const SunPerTRX = 1_000_000

// MinorPerToken is the number of minor units in one token.
const MinorPerToken = 1_000_000

// Parse converts a decimal display string (e.g. "100.5") to its
// minor-unit big.Int representation (100500000). Returns (nil, false)
// on invalid input.
//
// Rules:
//   - Empty string parses as zero
//   - Negative amounts are rejected
//   - More than one decimal point is rejected
//   - Fractional digits beyond 6 places are truncated
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || result.Sign() < 0 {
		return nil, false
	}
	return result, true
}

// Format converts a minor-unit big.Int to a display string with exactly
// six decimal places (e.g. "100.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	split := len(s) - Decimals
	out := s[:split] + "." + s[split:]
	if neg {
		out = "-" + out
	}
	return out
}

// FormatSun renders a SUN amount as a display TRX string.
func FormatSun(sun int64) string {
	return Format(big.NewInt(sun))
}

// Max returns the larger of a and b as a fresh big.Int.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
