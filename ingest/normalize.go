package ingest

import (
	"strconv"
	"strings"
	"time"
)

// columnAliases maps normalized header names to canonical field names. Input
// headers are normalized first (lowercase, trim, spaces/dashes/# become
// underscores), so only the normalized form of each alias appears here.
var columnAliases = map[string]string{
	"case_number":      "case_number",
	"case_":            "case_number", // "case#" after # replacement
	"caseno":           "case_number",
	"index_number":     "case_number",
	"docket_number":    "case_number",
	"matter_id":        "case_number",
	"plaintiff_name":   "plaintiff_name",
	"plaintiff":        "plaintiff_name",
	"creditor":         "plaintiff_name",
	"creditor_name":    "plaintiff_name",
	"title":            "plaintiff_name",
	"petitioner":       "plaintiff_name",
	"defendant_name":   "defendant_name",
	"defendant":        "defendant_name",
	"debtor":           "defendant_name",
	"debtor_name":      "defendant_name",
	"respondent":       "defendant_name",
	"judgment_amount":  "judgment_amount",
	"amount_awarded":   "judgment_amount",
	"amount":           "judgment_amount",
	"total_amount":     "judgment_amount",
	"principal":        "judgment_amount",
	"principal_amount": "judgment_amount",
	"judgment_date":    "judgment_date",
	"entry_date":       "judgment_date",
	"filing_date":      "judgment_date",
	"date_filed":       "judgment_date",
	"date_entered":     "judgment_date",
	"decision_date":    "judgment_date",
	"court":            "court",
	"court_name":       "court",
	"court_type":       "court",
	"venue":            "court",
	"county":           "county",
	"county_name":      "county",
	"jurisdiction":     "county",
}

// NormalizeHeader lowercases, trims, and replaces spaces, dashes, and # with
// underscores.
func NormalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	replacer := strings.NewReplacer(" ", "_", "-", "_", "#", "_")
	return replacer.Replace(h)
}

// MapHeaders resolves a CSV header row to canonical field names. Unknown
// columns map to "" and are retained only in the raw row map.
func MapHeaders(headers []string) []string {
	mapped := make([]string, len(headers))
	for i, h := range headers {
		mapped[i] = columnAliases[NormalizeHeader(h)]
	}
	return mapped
}

// ParseAmount parses a currency string. Dollar signs and commas are
// stripped; parentheses mean negation. Returns false on non-numeric input.
func ParseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if negative {
		v = -v
	}
	return v, true
}

// dateLayouts in trial order. The two-digit-year form must come last.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"01-02-2006",
	"02/01/2006",
	"2006/01/02",
	"01/02/06",
}

// ParseDate tries each accepted layout in order. Unparseable values yield
// nil, not an error; a missing judgment date is tolerated downstream.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
