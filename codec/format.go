package codec

import (
	"math"
	"strconv"
	"strings"
)

// Reserved "value not available" sentinels, rendered as NotAvailable on the wire.
const (
	InvalidInt   = math.MaxInt32
	InvalidFloat = math.MaxFloat32

	NotAvailable = "nan"
)

// Float formatting bands. Values outside [SmallThreshold, LargeThreshold)
// go scientific to bound message size on slow links.
const (
	ZeroThreshold  = 1e-10
	SmallThreshold = 1e-3
	LargeThreshold = 1e5

	scientificDigits = 4
)

func FormatInt(v int) string {
	if v == InvalidInt {
		return NotAvailable
	}
	return strconv.Itoa(v)
}

func FormatFloat(v float64) string {
	if v == InvalidFloat || math.IsNaN(v) {
		return NotAvailable
	}
	abs := math.Abs(v)
	switch {
	case abs < ZeroThreshold:
		return "0"
	case abs >= LargeThreshold || abs < SmallThreshold:
		return strconv.FormatFloat(v, 'e', scientificDigits, 64)
	default:
		return strconv.FormatFloat(v, 'f', -1, 32)
	}
}

// AppendFloat is allocation-friendly FormatFloat.
func AppendFloat(dst []byte, v float64) []byte {
	return append(dst, FormatFloat(v)...)
}

// ParseInt accepts NotAvailable as InvalidInt.
func ParseInt(s string) (int, error) {
	if s == NotAvailable {
		return InvalidInt, nil
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

// ParseFloat accepts NotAvailable as InvalidFloat.
func ParseFloat(s string) (float64, error) {
	if s == NotAvailable {
		return InvalidFloat, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// FormatFloats joins values with comma, used by multi-value widgets.
func FormatFloats(vs []float64) string {
	b := make([]byte, 0, len(vs)*8)
	for i, v := range vs {
		if i > 0 {
			b = append(b, ',')
		}
		b = AppendFloat(b, v)
	}
	return string(b)
}
