// Package fixed implements the scaled-integer decimal used for every price and
// quantity inside the ledger. A value is an int64 holding the decimal times 1e8.
package fixed

import (
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"

	"lobreplay/pkg/exception"
)

// Decimals is the number of fractional digits kept by Scaled.
const Decimals = 8

// Scale is 10^Decimals.
const Scale int64 = 100_000_000

// Scaled is a signed decimal at fixed scale 1e-8.
type Scaled int64

// Zero is the zero value, kept for readability at call sites.
const Zero Scaled = 0

// One is 1.0.
const One Scaled = Scaled(Scale)

var scaleDecimal = decimal.New(1, Decimals)

// FromInt converts an integer amount of whole units.
func FromInt(v int64) Scaled {
	return Scaled(v * Scale)
}

// Parse converts a decimal string into a Scaled value without going through float64.
// Digits beyond the 8th fractional place are accepted only when they are zeros.
func Parse(s string) (Scaled, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("%w: empty string", exception.ErrInvalidDecimal)
	}

	i := 0
	neg := false
	switch s[0] {
	case '-':
		neg = true
		i++
	case '+':
		i++
	}

	var (
		intPart  uint64
		frac     uint64
		fracLen  int
		digits   int
		seenDot  bool
		overflow bool
	)
	for ; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '.':
			if seenDot {
				return 0, fmt.Errorf("%w: %q", exception.ErrInvalidDecimal, s)
			}
			seenDot = true
		case c >= '0' && c <= '9':
			digits++
			d := uint64(c - '0')
			if !seenDot {
				if intPart > (math.MaxInt64/uint64(Scale)-d)/10 {
					overflow = true
				}
				intPart = intPart*10 + d
				continue
			}
			if fracLen < Decimals {
				frac = frac*10 + d
				fracLen++
				continue
			}
			if d != 0 {
				return 0, fmt.Errorf("%w: %q", exception.ErrPrecisionLoss, s)
			}
		case c == 'e' || c == 'E':
			return parseExponent(s)
		default:
			return 0, fmt.Errorf("%w: %q", exception.ErrInvalidDecimal, s)
		}
	}
	if digits == 0 {
		return 0, fmt.Errorf("%w: %q", exception.ErrInvalidDecimal, s)
	}
	if overflow {
		return 0, fmt.Errorf("%w: %q", exception.ErrDecimalOverflow, s)
	}
	for ; fracLen < Decimals; fracLen++ {
		frac *= 10
	}
	if intPart == uint64(math.MaxInt64/Scale) && frac > uint64(math.MaxInt64%Scale) {
		return 0, fmt.Errorf("%w: %q", exception.ErrDecimalOverflow, s)
	}

	v := int64(intPart)*Scale + int64(frac)
	if neg {
		v = -v
	}
	return Scaled(v), nil
}

// parseExponent handles scientific notation through shopspring, which keeps the
// coefficient exact.
func parseExponent(s string) (Scaled, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", exception.ErrInvalidDecimal, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Scaled {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromDecimal converts an exact decimal.Decimal.
func FromDecimal(d decimal.Decimal) (Scaled, error) {
	scaled := d.Mul(scaleDecimal)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", exception.ErrPrecisionLoss, d.String())
	}
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("%w: %s", exception.ErrDecimalOverflow, d.String())
	}
	return Scaled(bi.Int64()), nil
}

// FromFloat converts a float64 at an ingestion boundary. The float is first
// turned into its shortest decimal representation, then rounded half-even to 8 places.
func FromFloat(f float64) (Scaled, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", exception.ErrInvalidDecimal, f)
	}
	d := decimal.NewFromFloat(f).RoundBank(Decimals)
	return FromDecimal(d)
}

// Decimal returns the exact decimal.Decimal value.
func (v Scaled) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(big.NewInt(int64(v)), -Decimals)
}

// Float64 is for display and drift ratios only.
func (v Scaled) Float64() float64 {
	return float64(v) / float64(Scale)
}

// Int64 returns the raw scaled integer.
func (v Scaled) Int64() int64 {
	return int64(v)
}

// IsZero reports v == 0.
func (v Scaled) IsZero() bool {
	return v == 0
}

// SubFloor returns v - o floored at zero. Used for liquidity consumption.
func (v Scaled) SubFloor(o Scaled) Scaled {
	if o >= v {
		return 0
	}
	return v - o
}

// Abs returns |v|.
func (v Scaled) Abs() Scaled {
	if v < 0 {
		return -v
	}
	return v
}

// String renders the value with trailing zeros trimmed, e.g. "100.5".
func (v Scaled) String() string {
	return string(v.AppendString(make([]byte, 0, 24)))
}

// AppendString appends the trimmed decimal representation to buf.
func (v Scaled) AppendString(buf []byte) []byte {
	value := int64(v)
	neg := value < 0
	u := uint64(value)
	if neg {
		u = uint64(^value) + 1
	}

	var tmp [32]byte
	digits := strconv.AppendUint(tmp[:0], u, 10)

	if neg {
		buf = append(buf, '-')
	}

	var intDigits, fracDigits []byte
	if len(digits) <= Decimals {
		intDigits = []byte{'0'}
		var pad [Decimals]byte
		n := Decimals - len(digits)
		for i := 0; i < n; i++ {
			pad[i] = '0'
		}
		fracDigits = append(pad[:n:n], digits...)
	} else {
		idx := len(digits) - Decimals
		intDigits = digits[:idx]
		fracDigits = digits[idx:]
	}

	end := len(fracDigits)
	for end > 0 && fracDigits[end-1] == '0' {
		end--
	}
	buf = append(buf, intDigits...)
	if end > 0 {
		buf = append(buf, '.')
		buf = append(buf, fracDigits[:end]...)
	}
	return buf
}

// MarshalJSON encodes the value as a JSON string to keep precision for consumers.
func (v Scaled) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 26)
	buf = append(buf, '"')
	buf = v.AppendString(buf)
	buf = append(buf, '"')
	return buf, nil
}

// UnmarshalJSON accepts both quoted and bare decimal literals.
func (v *Scaled) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*v = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
