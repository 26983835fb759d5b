package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
)

// Amount is an amount literal as written in a batch file. Integers are
// whole units; decimals and strings are parsed exactly. Conversion to minor
// units happens in Units, once the scale is known.
type Amount struct {
	value any // int64 or string
}

// IntAmount returns an Amount of n whole units.
func IntAmount(n int64) Amount { return Amount{value: n} }

// DecimalAmount returns an Amount for a decimal literal.
func DecimalAmount(s string) Amount { return Amount{value: s} }

// Units converts the amount to minor units at scale.
func (a Amount) Units(scale int32) (int64, error) {
	return fixedpoint.FromAny(a.value, scale)
}

// String returns the literal.
func (a Amount) String() string {
	return fmt.Sprint(a.value)
}

// UnmarshalYAML keeps integer and decimal literals apart without going
// through float64.
func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: amount must be a scalar", node.Line)
	}
	switch node.ShortTag() {
	case "!!int":
		var n int64
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		a.value = n
	case "!!float", "!!str":
		a.value = node.Value
	default:
		return fmt.Errorf("line %d: amount %q is not a number", node.Line, node.Value)
	}
	return nil
}

// UnmarshalJSON accepts numbers and strings. Used by JSON and CUE decoding.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		a.value = s
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("amount %s is not a number", b)
	}
	if n, err := strconv.ParseInt(num.String(), 10, 64); err == nil {
		a.value = n
		return nil
	}
	a.value = num.String()
	return nil
}
