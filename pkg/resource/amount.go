// Package resource implements typed, unit-aware resource arithmetic:
// parsing PBS-style amount strings ("4", "256gb",
// "2tw") into a base-unit total, pretty-printing them back out, and the
// many-to-one alias mapping used to reconcile user-facing resource names
// with host-declared pool names.
package resource

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// amountPattern matches "<digits>[<scale>][<unit>]" where scale is one of
// k/m/g/t (binary powers of 1024, case-insensitive) and unit is b or w.
// Anything left over after the match is a rejected, not silently truncated,
// input; see Parse.
var amountPattern = regexp.MustCompile(`^(?i)(\d+)([kmgt])?([bw])?$`)

var scalePower = map[string]uint{
	"":  0,
	"k": 1,
	"m": 2,
	"g": 3,
	"t": 4,
}

// Amount is a parsed resource quantity in base units (bytes, words, or a
// unitless count), along with the unit it was expressed in.
type Amount struct {
	Total int64  // value in base units
	Unit  string // "", "b", or "w"
}

// Parse reads a resource string of the form digits[scale][unit]. Scale and
// unit are case-insensitive. Trailing garbage is rejected rather than
// silently truncated, so "4gbx" is an error, not "4g" with "x" dropped.
func Parse(s string) (Amount, error) {
	m := amountPattern.FindStringSubmatch(s)
	if m == nil {
		return Amount{}, fmt.Errorf("resource: invalid amount %q", s)
	}

	numeric, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("resource: invalid numeric component in %q: %w", s, err)
	}

	scale := strings.ToLower(m[2])
	unit := strings.ToLower(m[3])

	multiplier := int64(1) << (10 * scalePower[scale])
	total := numeric * multiplier

	return Amount{Total: total, Unit: unit}, nil
}

// MustParse is Parse, panicking on error. Intended for tests and
// compile-time-known literals, never for user input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Equal reports whether two amounts have the same base total and unit.
func (a Amount) Equal(other Amount) bool {
	return a.Total == other.Total && a.Unit == other.Unit
}

// Add returns a + b. Panics if the units disagree: arithmetic across
// mismatched units (e.g. bytes plus words) is a programming error, not a
// runtime condition callers should be recovering from.
func (a Amount) Add(b Amount) Amount {
	if a.Unit != b.Unit {
		panic(fmt.Sprintf("resource: unit mismatch %q vs %q", a.Unit, b.Unit))
	}
	return Amount{Total: a.Total + b.Total, Unit: a.Unit}
}

// Sub returns a - b, clamped at zero (callers needing the unclamped value,
// e.g. to detect over-release, should compare Totals directly).
func (a Amount) Sub(b Amount) Amount {
	if a.Unit != b.Unit {
		panic(fmt.Sprintf("resource: unit mismatch %q vs %q", a.Unit, b.Unit))
	}
	total := a.Total - b.Total
	if total < 0 {
		total = 0
	}
	return Amount{Total: total, Unit: a.Unit}
}

// LessEqual reports whether a's total is at most b's (same unit required).
func (a Amount) LessEqual(b Amount) bool {
	if a.Unit != b.Unit {
		panic(fmt.Sprintf("resource: unit mismatch %q vs %q", a.Unit, b.Unit))
	}
	return a.Total <= b.Total
}

// String pretty-prints the amount, selecting the largest scale whose
// ceiling fits: output is
// ceil(total / 1024^p) followed by the chosen scale letter and the unit.
// Unit-less counts print bare, with no scale letter either, since a plain
// integer count (e.g. "4") has no meaningful k/m/g/t reduction.
func (a Amount) String() string {
	if a.Unit == "" {
		return strconv.FormatInt(a.Total, 10)
	}

	scale := ""
	divisor := int64(1)

	switch {
	case a.Total > 0 && log2(a.Total) > 40:
		scale = "t"
		divisor = 1 << 40
	case a.Total > 0 && log2(a.Total) > 30:
		scale = "g"
		divisor = 1 << 30
	case a.Total > 0 && log2(a.Total) > 20:
		scale = "m"
		divisor = 1 << 20
	case a.Total > 0 && log2(a.Total) > 10:
		scale = "k"
		divisor = 1 << 10
	}

	numeric := int64(math.Ceil(float64(a.Total) / float64(divisor)))
	return fmt.Sprintf("%d%s%s", numeric, scale, a.Unit)
}

func log2(n int64) float64 {
	return math.Log2(float64(n))
}
