package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// Member is one insured row loaded from a staged workbook.
type Member struct {
	Code      string // passport / infoplan code, the diff key
	FirstName string
	LastName  string
	Gender    string
	Birthdate string
	Factura   string
}

// Header aliases seen across the workbooks the insurer sends. Matching is
// case-insensitive after trimming.
var headerAliases = map[string][]string{
	"code":      {"CODIGO_INFOPLAN", "PASAPORTE", "PASSPORT"},
	"first1":    {"PRI_NOM"},
	"first2":    {"SEG_NOM"},
	"last1":     {"PRI_APE"},
	"last2":     {"SEG_APE"},
	"gender":    {"SEXO"},
	"birthdate": {"FEC_NAC"},
	"factura":   {"FACTURA", "NO_FACTURA", "NUM_FACTURA"},
}

// LoadMembers reads all insured rows from the first sheet of an xlsx
// workbook. Rows without a code are skipped.
func LoadMembers(path string) ([]Member, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	idx := make(map[string]int)
	for col, h := range rows[0] {
		h = strings.ToUpper(strings.TrimSpace(h))
		for field, aliases := range headerAliases {
			for _, a := range aliases {
				if h == a {
					if _, taken := idx[field]; !taken {
						idx[field] = col
					}
				}
			}
		}
	}
	if _, ok := idx["code"]; !ok {
		return nil, fmt.Errorf("workbook %s: no code column (expected one of %v)", path, headerAliases["code"])
	}

	cell := func(row []string, field string) string {
		col, ok := idx[field]
		if !ok || col >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[col])
	}

	var out []Member
	for _, row := range rows[1:] {
		code := cell(row, "code")
		if code == "" {
			continue
		}
		gender := strings.ToUpper(cell(row, "gender"))
		if gender != "M" && gender != "F" {
			gender = "M"
		}
		out = append(out, Member{
			Code:      code,
			FirstName: cleanName(cell(row, "first1") + " " + cell(row, "first2")),
			LastName:  cleanName(cell(row, "last1") + " " + cell(row, "last2")),
			Gender:    gender,
			Birthdate: parseDateSafe(cell(row, "birthdate")),
			Factura:   cell(row, "factura"),
		})
	}
	return out, nil
}

// Diff returns members present in cur but not in prev, keyed by Code.
// Order follows cur.
func Diff(prev, cur []Member) []Member {
	seen := make(map[string]bool, len(prev))
	for _, m := range prev {
		seen[m.Code] = true
	}
	var added []Member
	for _, m := range cur {
		if !seen[m.Code] {
			added = append(added, m)
		}
	}
	return added
}

var nonNameChars = regexp.MustCompile(`[^A-Z\s]`)
var multiSpace = regexp.MustCompile(`\s+`)

// cleanName uppercases, strips accents and non-letters, collapses
// whitespace, and caps the result at 30 characters to fit the validator
// API field limit.
func cleanName(s string) string {
	s = stripAccents(strings.ToUpper(s))
	s = nonNameChars.ReplaceAllString(s, "")
	s = strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
	if len(s) > 30 {
		s = strings.TrimSpace(s[:30])
	}
	return s
}

var accentPairs = strings.NewReplacer(
	"Á", "A", "É", "E", "Í", "I", "Ó", "O", "Ú", "U", "Ü", "U", "Ñ", "N",
)

func stripAccents(s string) string { return accentPairs.Replace(s) }

// dateLayouts accepted in the birthdate column.
var dateLayouts = []string{
	"2006-01-02", "01-02-06", "1/2/06", "01/02/2006", "2/1/2006",
	"2006-01-02 15:04:05", time.RFC3339,
}

// parseDateSafe normalizes a cell to YYYY-MM-DD, falling back to a fixed
// default when the value is unparseable.
func parseDateSafe(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "1990-01-01"
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return "1990-01-01"
}
