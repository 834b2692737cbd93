package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHeader(t *testing.T) {
	assert.Equal(t, "case_number", NormalizeHeader("  Case Number "))
	assert.Equal(t, "entry_date", NormalizeHeader("Entry-Date"))
	assert.Equal(t, "case_", NormalizeHeader("Case#"))
	assert.Equal(t, "docket_number", NormalizeHeader("DOCKET NUMBER"))
}

func TestMapHeaders(t *testing.T) {
	mapped := MapHeaders([]string{"Case#", "Plaintiff", "Debtor Name", "Amount Awarded", "Date Filed", "Venue", "Jurisdiction", "Mystery Column"})
	assert.Equal(t, []string{
		"case_number", "plaintiff_name", "defendant_name", "judgment_amount",
		"judgment_date", "court", "county", "",
	}, mapped)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"1250.50", 1250.50, true},
		{"$1,250.50", 1250.50, true},
		{" $ 99 ", 99, true},
		{"(500.00)", -500, true},
		{"($1,000)", -1000, true},
		{"", 0, false},
		{"N/A", 0, false},
		{"12.3.4", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseAmount(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		if tt.ok {
			assert.InDelta(t, tt.want, got, 0.001, "input %q", tt.in)
		}
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-03-15", "03/15/2024", "03-15-2024", "2024/03/15"} {
		got := ParseDate(in)
		require.NotNil(t, got, "input %q", in)
		assert.True(t, got.Equal(want), "input %q parsed as %v", in, got)
	}

	// Two-digit years go through the last layout.
	got := ParseDate("03/15/24")
	require.NotNil(t, got)
	assert.Equal(t, 2024, got.Year())

	assert.Nil(t, ParseDate("not a date"), "unparseable dates are null, not errors")
	assert.Nil(t, ParseDate(""))
}
