package amount

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// MaxDecimals is the finest granularity accepted for transfer amounts. Values
// are stored as int64 micro-units (1e-6 of a whole unit).
const MaxDecimals = 6

var (
	// ErrInvalid indicates the amount string is not a decimal number.
	ErrInvalid = errors.New("amount: invalid decimal")
	// ErrNotPositive indicates a zero or negative amount.
	ErrNotPositive = errors.New("amount: must be positive")
	// ErrTooManyDecimals indicates more fractional digits than MaxDecimals.
	ErrTooManyDecimals = errors.New("amount: more than 6 decimal places")
	// ErrOverflow indicates the amount exceeds the representable range.
	ErrOverflow = errors.New("amount: out of range")
)

const microsPerUnit = 1_000_000

// Parse converts a decimal string such as "50.00" into micro-units. It rejects
// non-positive values and any amount finer than MaxDecimals fractional digits.
func Parse(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, ErrInvalid
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNotPositive
	}
	whole := s
	frac := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		whole = s[:idx]
		frac = s[idx+1:]
		if strings.IndexByte(frac, '.') >= 0 {
			return 0, ErrInvalid
		}
	}
	if whole == "" && frac == "" {
		return 0, ErrInvalid
	}
	if len(frac) > MaxDecimals {
		return 0, ErrTooManyDecimals
	}
	var micros int64
	for _, r := range whole {
		if r < '0' || r > '9' {
			return 0, ErrInvalid
		}
		digit := int64(r - '0')
		if micros > (math.MaxInt64-digit)/10 {
			return 0, ErrOverflow
		}
		micros = micros*10 + digit
	}
	if micros > math.MaxInt64/microsPerUnit {
		return 0, ErrOverflow
	}
	micros *= microsPerUnit
	scale := int64(microsPerUnit / 10)
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, ErrInvalid
		}
		add := int64(r-'0') * scale
		if micros > math.MaxInt64-add {
			return 0, ErrOverflow
		}
		micros += add
		scale /= 10
	}
	if micros <= 0 {
		return 0, ErrNotPositive
	}
	return micros, nil
}

// Format renders micro-units as a decimal string with trailing zeros trimmed
// down to at most two fractional digits ("50.00", "0.000001").
func Format(micros int64) string {
	sign := ""
	if micros < 0 {
		sign = "-"
		micros = -micros
	}
	whole := micros / microsPerUnit
	frac := micros % microsPerUnit
	out := fmt.Sprintf("%s%d.%06d", sign, whole, frac)
	for strings.HasSuffix(out, "0") && !strings.HasSuffix(out, ".00") {
		out = out[:len(out)-1]
	}
	return out
}
