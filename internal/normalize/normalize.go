// Package normalize provides locale-tolerant parsing of numeric text.
//
// Upstream datasets mix anglophone and European number formats in the same
// column ("1234.56", "1234,56", "1.234.567"), and use several markers for
// missing values. Without normalization the same file imports differently
// depending on which tool produced it.
//
// Rules, applied in order:
//  1. Whitespace is stripped, including internal spaces ("1 234" → "1234").
//  2. "", "NA", "N/A", "NULL" (case-insensitive) are missing.
//  3. A comma means the comma is the decimal separator and any periods are
//     thousands separators ("1.234,56" → 1234.56).
//  4. Two or more periods mean all periods are thousands separators
//     ("1.234.567" → 1234567).
//  5. Otherwise the value parses as a plain float ("1234.56" → 1234.56).
package normalize

import (
	"database/sql"
	"strconv"
	"strings"
)

// Value parses a single numeric string. The second return is false when the
// value is missing or unparseable.
func Value(text string) (float64, bool) {
	s := strings.TrimSpace(text)
	if s == "" {
		return 0, false
	}

	switch strings.ToUpper(s) {
	case "NA", "N/A", "NULL":
		return 0, false
	}

	s = strings.ReplaceAll(s, " ", "")

	if strings.Contains(s, ",") {
		// European decimal comma: periods are thousands separators.
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	} else if strings.Count(s, ".") >= 2 {
		// Multiple periods are thousands separators; the value is integral.
		s = strings.ReplaceAll(s, ".", "")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}

	return f, true
}

// Int parses a numeric string and truncates it to int64. Inputs like "3",
// "3.0" and " 3 " all resolve to 3; missing or unparseable values return
// ok=false. Used for identifier columns, which some exporters write as floats.
func Int(text string) (int64, bool) {
	f, ok := Value(text)
	if !ok {
		return 0, false
	}

	return int64(f), true
}

// CellKind maps the free-form cell kind labels found in upstream exports
// onto the two stored cell types. Single-cell synonyms resolve to "cell";
// everything else, including spatial ("srt") labels and blanks, is a "spot".
func CellKind(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "single cell", "single-cell", "singlecell", "cell":
		return "cell"
	default:
		return "spot"
	}
}

// ColumnStats aggregates the outcome of normalizing one column slice.
type ColumnStats struct {
	Parsed  int
	Missing int
}

// Column normalizes an entire column in one pass and reports how many values
// parsed. This is the chunk-at-a-time entry point used by the import
// pipeline's hot path; callers never branch per row on parse errors.
func Column(values []string) ([]sql.NullFloat64, ColumnStats) {
	out := make([]sql.NullFloat64, len(values))

	var stats ColumnStats

	for i, v := range values {
		f, ok := Value(v)
		if ok {
			out[i] = sql.NullFloat64{Float64: f, Valid: true}
			stats.Parsed++
		} else {
			stats.Missing++
		}
	}

	return out, stats
}
