package indi

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// parseNumber decodes INDI number text. Plain decimals are parsed with a
// fixed '.' separator; sexagesimal values ("-12:30:15.5" or "12 30 15")
// are converted to decimal degrees or hours.
func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}

	if !strings.ContainsAny(s, ": ") {
		return strconv.ParseFloat(s, 64)
	}

	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ' ' })
	if len(fields) == 0 || len(fields) > 3 {
		return 0, fmt.Errorf("invalid sexagesimal number %q", s)
	}

	negative := strings.HasPrefix(fields[0], "-")
	var value float64
	scale := 1.0
	for i, f := range fields {
		part, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid sexagesimal number %q: %w", s, err)
		}
		if i > 0 && (part < 0 || part >= 60) {
			return 0, fmt.Errorf("invalid sexagesimal component %q in %q", f, s)
		}
		value += math.Abs(part) / scale
		scale *= 60
	}
	if negative {
		value = -value
	}
	return value, nil
}

// parseAttrNumber decodes a numeric attribute such as min, max or step.
// Missing attributes default to 1.
func parseAttrNumber(s string) (float64, error) {
	if s == "" {
		return 1, nil
	}
	return parseNumber(s)
}
