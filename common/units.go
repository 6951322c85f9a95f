package common

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// TokenDecimals is the decimal exponent of Kindly Coin (KIND).
const TokenDecimals = 18

var ErrBadAmount = errors.New("bad token amount")

// ParseUnits converts a decimal string such as "12.5" into base units scaled
// by 10^decimals. Negative values and excess fractional digits are rejected.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, fmt.Errorf("%w: %q", ErrBadAmount, s)
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadAmount, s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrBadAmount, s, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadAmount, s)
	}
	return n, nil
}

// FormatUnits is the inverse of ParseUnits. Trailing fractional zeros are
// dropped.
func FormatUnits(n *big.Int, decimals int) string {
	if n == nil {
		return "0"
	}
	neg := n.Sign() < 0
	digits := new(big.Int).Abs(n).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}

	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")

	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// MustParseKind parses an amount of KIND and panics on error. Test helper.
func MustParseKind(s string) *big.Int {
	n, err := ParseUnits(s, TokenDecimals)
	if err != nil {
		panic(err)
	}
	return n
}
