package entities

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Unit abbreviations seen in scraped rate limits and prices
var unitAliases = map[string]string{
	"min": "minute",
	"hr":  "hour",
	"sec": "second",
	"mo":  "month",
}

var (
	leadingNumberRe = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)`)
	perUnitRe       = regexp.MustCompile(`(?:/|\bper\b)\s*([a-zA-Z]+)`)
	currencyRe      = regexp.MustCompile(`[$€£¥]`)
)

// NormalizeValue canonicalises a raw entity value for deduplication.
//
// Rate limits become "N_per_unit" ("1,000 / min" -> "1000_per_minute") and
// prices become microcents per unit ("$99.99/mo" ->
// "99990000_microcents_per_month", "$5" -> "5000000_microcents"), so the
// same limit or price never registers twice under different spellings and
// sub-cent prices survive without floats. Values that do not parse, and
// every other type, are lowercased and trimmed.
func NormalizeValue(entityType, raw string) string {
	switch entityType {
	case "limit":
		if v, ok := normalizeLimit(raw); ok {
			return v
		}
	case "pricing":
		if v, ok := normalizePricing(raw); ok {
			return v
		}
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

func normalizeLimit(raw string) (string, bool) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	num := leadingNumberRe.FindString(cleaned)
	if num == "" {
		return "", false
	}
	unit, ok := perUnit(cleaned)
	if !ok {
		return "", false
	}
	return formatNumber(num) + "_per_" + unit, true
}

func normalizePricing(raw string) (string, bool) {
	cleaned := strings.ReplaceAll(raw, ",", "")
	cleaned = strings.TrimSpace(currencyRe.ReplaceAllString(cleaned, ""))

	num := leadingNumberRe.FindString(cleaned)
	if num == "" {
		return "", false
	}
	amount, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return "", false
	}
	microcents := strconv.FormatInt(int64(math.Round(amount*1_000_000)), 10)

	// A flat price has no billing unit. The microcents marker keeps the
	// scaled amount from ever colliding with a raw-number spelling.
	if unit, ok := perUnit(cleaned); ok {
		return microcents + "_microcents_per_" + unit, true
	}
	return microcents + "_microcents", true
}

// perUnit finds the unit after a "/" or "per" and expands abbreviations
func perUnit(s string) (string, bool) {
	m := perUnitRe.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return "", false
	}
	unit := m[1]
	if full, ok := unitAliases[unit]; ok {
		return full, true
	}
	if trimmed := strings.TrimSuffix(unit, "s"); trimmed != unit && trimmed != "" {
		if full, ok := unitAliases[trimmed]; ok {
			return full, true
		}
		return trimmed, true
	}
	return unit, true
}

// formatNumber renders "1000.0" and "1000" as the same string
func formatNumber(num string) string {
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return num
	}
	if f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
