package parse

import (
	"errors"
	"html"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ErrUnparseable is returned when a value is present but cannot be interpreted.
var ErrUnparseable = errors.New("parse: unparseable value")

var (
	numberRe = regexp.MustCompile(`\d[\d.,\s]*`)
	spaceRe  = regexp.MustCompile(`\s+`)
	strict   = bluemonday.StrictPolicy()
)

// CleanText strips markup and collapses whitespace.
func CleanText(s string) string {
	s = html.UnescapeString(strict.Sanitize(s))
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// ParsePrice reads a price in minor units from text such as "$1,234.50",
// "1.234,50 €" or "12". With unit "cents" the number is already minor units.
func ParsePrice(text, unit string) (int64, error) {
	m := strings.TrimSpace(numberRe.FindString(text))
	if m == "" {
		return 0, ErrUnparseable
	}
	m = strings.Join(strings.Fields(m), "")
	m = strings.TrimRight(m, ".,")
	if unit == "cents" {
		n, err := strconv.ParseInt(strings.NewReplacer(",", "", ".", "").Replace(m), 10, 64)
		if err != nil {
			return 0, ErrUnparseable
		}
		return n, nil
	}

	intPart, frac := m, ""
	lastDot, lastComma := strings.LastIndex(m, "."), strings.LastIndex(m, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		sep := lastDot
		if lastComma > lastDot {
			sep = lastComma
		}
		intPart, frac = m[:sep], m[sep+1:]
	case lastDot >= 0 || lastComma >= 0:
		sep := max(lastDot, lastComma)
		sepChar := m[sep]
		after := len(m) - sep - 1
		if strings.Count(m, string(sepChar)) == 1 && after <= 2 {
			intPart, frac = m[:sep], m[sep+1:]
		}
	}
	intPart = strings.NewReplacer(",", "", ".", "").Replace(intPart)
	if intPart == "" {
		intPart = "0"
	}
	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, ErrUnparseable
	}
	if len(frac) > 2 {
		return 0, ErrUnparseable
	}
	for len(frac) < 2 {
		frac += "0"
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, ErrUnparseable
	}
	return whole*100 + cents, nil
}

// PriceFromNumber converts a JSON number to minor units.
func PriceFromNumber(f float64, unit string) (int64, error) {
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrUnparseable
	}
	if unit == "cents" {
		return int64(math.Round(f)), nil
	}
	return int64(math.Round(f * 100)), nil
}

var percentRe = regexp.MustCompile(`\d+(?:[.,]\d+)?`)

// ParsePercent reads "23.5%", "23,5 %" or "235 mg/g" as a percentage.
func ParsePercent(text string) (float64, error) {
	m := percentRe.FindString(text)
	if m == "" {
		return 0, ErrUnparseable
	}
	f, err := strconv.ParseFloat(strings.Replace(m, ",", ".", 1), 64)
	if err != nil {
		return 0, ErrUnparseable
	}
	if strings.Contains(strings.ToLower(text), "mg/g") {
		f /= 10
	}
	if f > 100 {
		return 0, ErrUnparseable
	}
	return Round2(f), nil
}

// Round2 rounds to two decimals.
func Round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// ParseBool reads stock-like booleans.
func ParseBool(text string) (bool, error) {
	switch strings.ToLower(CleanText(text)) {
	case "true", "yes", "1", "in stock", "instock", "available", "in_stock":
		return true, nil
	case "false", "no", "0", "sold out", "out of stock", "outofstock", "unavailable", "out_of_stock":
		return false, nil
	}
	return false, ErrUnparseable
}

// MapCategory maps a raw category through the profile table; unmapped is "other".
func MapCategory(table map[string]string, raw string) string {
	if v, ok := table[strings.ToLower(strings.TrimSpace(raw))]; ok && v != "" {
		return v
	}
	return "other"
}
