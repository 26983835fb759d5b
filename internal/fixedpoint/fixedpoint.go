// Package fixedpoint normalizes decimal and floating inputs into exact
// int64 minor units.
//
// The engine never does floating-point arithmetic on amounts. Anything that
// arrives as a float or a decimal string is converted here, once, at the
// boundary, using github.com/cockroachdb/apd. A value that cannot be
// represented exactly at the requested scale is an error, not a rounding.
package fixedpoint

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/cockroachdb/apd/v3"
)

// DefaultScale is the number of fractional digits of one minor unit.
const DefaultScale int32 = 2

// ErrInexact is returned when an input has more precision than the scale
// allows.
var ErrInexact = errors.New("value is not representable at scale")

// ErrOverflow is returned when a sum of minor units leaves the int64 range.
var ErrOverflow = errors.New("amount overflows int64 minor units")

// Add returns a+b, or ErrOverflow instead of wrapping.
func Add(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, fmt.Errorf("%d + %d: %w", a, b, ErrOverflow)
	}
	return s, nil
}

// Sub returns a-b, or ErrOverflow instead of wrapping.
func Sub(a, b int64) (int64, error) {
	d := a - b
	if (b > 0 && d > a) || (b < 0 && d < a) {
		return 0, fmt.Errorf("%d - %d: %w", a, b, ErrOverflow)
	}
	return d, nil
}

// Context returns the arithmetic context used for all decimal math:
// 34 significant digits (decimal128) with banker's rounding.
func Context() *apd.Context {
	c := apd.BaseContext.WithPrecision(34)
	c.Rounding = apd.RoundHalfEven
	return c
}

// ParseDecimal parses s as an exact decimal.
func ParseDecimal(s string) (*apd.Decimal, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// ToUnits converts an exact decimal into minor units at scale.
func ToUnits(d *apd.Decimal, scale int32) (int64, error) {
	c := Context()
	var q apd.Decimal
	cond, err := c.Quantize(&q, d, -scale)
	if err != nil {
		return 0, fmt.Errorf("quantize %s: %w", d, err)
	}
	if cond.Inexact() {
		return 0, fmt.Errorf("%s at scale %d: %w", d, scale, ErrInexact)
	}

	var scaled apd.Decimal
	if _, err := c.Mul(&scaled, &q, apd.New(1, scale)); err != nil {
		return 0, fmt.Errorf("scale %s: %w", d, err)
	}
	units, err := scaled.Int64()
	if err != nil {
		return 0, fmt.Errorf("%s does not fit in int64 minor units: %w", d, err)
	}
	return units, nil
}

// Parse converts a decimal string into minor units at scale.
func Parse(s string, scale int32) (int64, error) {
	d, err := ParseDecimal(s)
	if err != nil {
		return 0, err
	}
	return ToUnits(d, scale)
}

// FromFloat normalizes a float into minor units at scale. The float is
// first rendered as its shortest exact decimal representation, so 10.1
// becomes 10.1 and not 10.0999999999999996447.
func FromFloat(f float64, scale int32) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("cannot normalize %v", f)
	}
	return Parse(strconv.FormatFloat(f, 'f', -1, 64), scale)
}

// FromAny normalizes a decoded YAML/JSON/CUE scalar into minor units.
// Integers are taken as whole units and multiplied by 10^scale.
func FromAny(v any, scale int32) (int64, error) {
	switch val := v.(type) {
	case int:
		return ToUnits(apd.New(int64(val), 0), scale)
	case int64:
		return ToUnits(apd.New(val, 0), scale)
	case uint64:
		if val > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", val)
		}
		return ToUnits(apd.New(int64(val), 0), scale)
	case float64:
		return FromFloat(val, scale)
	case string:
		return Parse(val, scale)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported amount type %T", v)
	}
}

// Format renders minor units as a decimal string at scale.
func Format(units int64, scale int32) string {
	return apd.New(units, -scale).Text('f')
}

// MulRound multiplies minor units by a decimal factor and rounds the result
// half-even to whole minor units. It reports whether rounding occurred.
func MulRound(units int64, factor *apd.Decimal) (result int64, inexact bool, err error) {
	c := Context()
	var prod apd.Decimal
	if _, err := c.Mul(&prod, apd.New(units, 0), factor); err != nil {
		return 0, false, fmt.Errorf("multiply %d by %s: %w", units, factor, err)
	}
	var rounded apd.Decimal
	cond, err := c.RoundToIntegralValue(&rounded, &prod)
	if err != nil {
		return 0, false, fmt.Errorf("round %s: %w", &prod, err)
	}
	out, err := rounded.Int64()
	if err != nil {
		return 0, false, fmt.Errorf("%s does not fit in int64: %w", &rounded, err)
	}
	return out, cond.Inexact() || prod.Cmp(&rounded) != 0, nil
}

// RelativeDiff returns |a-b|/b as an exact decimal. b must be non-zero.
func RelativeDiff(a, b *apd.Decimal) (*apd.Decimal, error) {
	if b.IsZero() {
		return nil, errors.New("relative difference against zero")
	}
	c := Context()
	var diff, abs, out apd.Decimal
	if _, err := c.Sub(&diff, a, b); err != nil {
		return nil, err
	}
	if _, err := c.Abs(&abs, &diff); err != nil {
		return nil, err
	}
	var den apd.Decimal
	if _, err := c.Abs(&den, b); err != nil {
		return nil, err
	}
	if _, err := c.Quo(&out, &abs, &den); err != nil {
		return nil, err
	}
	return &out, nil
}
