package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseCents converts a decimal amount in major units to minor units.
// Used for thresholds configured by merchants as "50.00".
// Examples: "99.00" → 9900, "1234.56" → 123456, "" → 0
func ParseCents(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(f * 100))
}

// ParseMinorUnits converts a string already in minor units to int64.
// Widget data attributes and cart totals use this format.
// Examples: "8900" → 8900, "123456" → 123456, "" → 0
func ParseMinorUnits(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}

// FormatMinorUnits renders minor units as a plain decimal for log lines.
// Examples: 5000 → "50.00", 4999 → "49.99", -150 → "-1.50"
func FormatMinorUnits(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
