package util

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	priceRegex     = regexp.MustCompile(`[-+]?[\d.,]*\d`)
	thousandsRegex = regexp.MustCompile(`^[-+]?\d{1,3}(?:,\d{3})+(?:\.\d+)?$`)
)

// ParsePrice extracts the first number from a displayed price such as "$4.99",
// "$1,299.00" or "Free 0". It returns nil when the text holds no number or the number
// uses a decimal comma ("€0,99"), which cannot be told apart from a thousands separator.
func ParsePrice(s string) *decimal.Decimal {
	m := priceRegex.FindString(s)
	if m == "" {
		return nil
	}
	if strings.Contains(m, ",") {
		if !thousandsRegex.MatchString(m) {
			return nil
		}
		m = strings.ReplaceAll(m, ",", "")
	}
	d, err := decimal.NewFromString(m)
	if err != nil {
		return nil
	}
	return &d
}
