package table

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Text operations work on the rendered text of each cell. Missing cells stay
// missing. The column keeps its type when every result still parses as it
// and becomes a string column otherwise.

// retypeText parses text back into cells of t, falling back to strings.
// Rows with present[i] false are missing.
func retypeText(text []string, present []bool, t Type) ([]any, Type) {
	values := make([]any, len(text))
	if t != TypeString {
		ok := true
		for i, s := range text {
			if !present[i] {
				continue
			}
			v, err := parseCell(s, t)
			if err != nil {
				ok = false
				break
			}
			values[i] = v
		}
		if ok {
			return values, t
		}
	}
	for i, s := range text {
		if present[i] && s != "" {
			values[i] = s
		} else {
			values[i] = nil
		}
	}
	return values, TypeString
}

// mapText rewrites every present cell of column through fn. fn returns
// false to make the cell missing.
func mapText(ds *Dataset, column string, fn func(string) (string, bool)) (*Dataset, Summary, error) {
	j := ds.ColumnIndex(column)
	if j < 0 {
		return nil, Summary{}, fmt.Errorf("%w: %q", ErrColumnNotFound, column)
	}
	text := make([]string, ds.NumRows())
	present := make([]bool, ds.NumRows())
	for i, row := range ds.rows {
		if row[j] == nil {
			continue
		}
		text[i], present[i] = fn(formatValue(row[j]))
	}
	values, t := retypeText(text, present, ds.columns[j].Type)
	out, changed := replaceColumn(ds, j, values, t)
	return out, Summary{RowsAffected: changed, ColumnsAffected: []string{column}}, nil
}

// expandText replaces column j by width columns named column_0,
// column_1, ... holding parts. Each new column gets its type inferred like
// a loaded column.
func expandText(ds *Dataset, j int, parts [][]string, width int) (*Dataset, Summary, error) {
	if width == 0 {
		return nil, Summary{}, errors.New("nothing to expand")
	}
	base := ds.columns[j].Name
	names := make([]string, width)
	for k := range names {
		names[k] = fmt.Sprintf("%s_%d", base, k)
		if i := ds.ColumnIndex(names[k]); i >= 0 && i != j {
			return nil, Summary{}, fmt.Errorf("%w: %q", ErrColumnExists, names[k])
		}
	}

	added := make([]Column, width)
	for k := range added {
		cells := make([]string, len(parts))
		for i, p := range parts {
			if k < len(p) {
				cells[i] = p[k]
			}
		}
		added[k] = Column{Name: names[k], Type: inferType(cells)}
	}

	columns := make([]Column, 0, ds.NumColumns()-1+width)
	columns = append(columns, ds.columns[:j]...)
	columns = append(columns, added...)
	columns = append(columns, ds.columns[j+1:]...)

	rows := make([][]any, ds.NumRows())
	for i, row := range ds.rows {
		r := make([]any, 0, len(columns))
		r = append(r, row[:j]...)
		for k, c := range added {
			var v any
			if k < len(parts[i]) {
				parsed, err := parseCell(parts[i][k], c.Type)
				if err != nil {
					return nil, Summary{}, fmt.Errorf("row %d column %q: %w", i, c.Name, err)
				}
				v = parsed
			}
			r = append(r, v)
		}
		r = append(r, row[j+1:]...)
		rows[i] = r
	}
	out, err := New(columns, rows)
	if err != nil {
		return nil, Summary{}, err
	}
	return out, Summary{RowsAffected: ds.NumRows(), ColumnsAffected: names}, nil
}

func applyReplaceText(ds *Dataset, op ReplaceText) (*Dataset, Summary, error) {
	if op.Pattern == "" {
		return nil, Summary{}, errors.New("replace needs a pattern")
	}
	if op.Literal {
		return mapText(ds, op.Column, func(s string) (string, bool) {
			return strings.ReplaceAll(s, op.Pattern, op.Replacement), true
		})
	}
	re, err := regexp.Compile(op.Pattern)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("bad pattern: %w", err)
	}
	return mapText(ds, op.Column, func(s string) (string, bool) {
		return re.ReplaceAllString(s, op.Replacement), true
	})
}

func applyStrip(ds *Dataset, op Strip) (*Dataset, Summary, error) {
	return mapText(ds, op.Column, func(s string) (string, bool) {
		if op.Chars == "" {
			return strings.TrimSpace(s), true
		}
		return strings.Trim(s, op.Chars), true
	})
}

func applyChangeCase(ds *Dataset, op ChangeCase) (*Dataset, Summary, error) {
	var fn func(string) string
	switch strings.ToLower(op.Transform) {
	case CaseUpper:
		fn = cases.Upper(language.Und).String
	case CaseLower:
		fn = cases.Lower(language.Und).String
	case CaseTitle:
		fn = cases.Title(language.Und).String
	case CaseCapitalize:
		lower := cases.Lower(language.Und)
		upper := cases.Upper(language.Und)
		fn = func(s string) string {
			_, size := utf8.DecodeRuneInString(s)
			return upper.String(s[:size]) + lower.String(s[size:])
		}
	default:
		return nil, Summary{}, fmt.Errorf("unknown case transform %q", op.Transform)
	}
	return mapText(ds, op.Column, func(s string) (string, bool) {
		return fn(s), true
	})
}

func applySplit(ds *Dataset, op Split) (*Dataset, Summary, error) {
	j := ds.ColumnIndex(op.Column)
	if j < 0 {
		return nil, Summary{}, fmt.Errorf("%w: %q", ErrColumnNotFound, op.Column)
	}
	delim := op.Delimiter
	if delim == "" {
		delim = " "
	}
	if op.Expand {
		parts := make([][]string, ds.NumRows())
		width := 0
		for i, row := range ds.rows {
			if row[j] != nil {
				parts[i] = strings.Split(formatValue(row[j]), delim)
				width = max(width, len(parts[i]))
			}
		}
		return expandText(ds, j, parts, width)
	}
	return mapText(ds, op.Column, func(s string) (string, bool) {
		parts := strings.Split(s, delim)
		k := op.Part
		if k < 0 {
			k += len(parts)
		}
		if k < 0 || k >= len(parts) {
			return "", false
		}
		return parts[k], true
	})
}

func applyExtract(ds *Dataset, op Extract) (*Dataset, Summary, error) {
	j := ds.ColumnIndex(op.Column)
	if j < 0 {
		return nil, Summary{}, fmt.Errorf("%w: %q", ErrColumnNotFound, op.Column)
	}
	if op.Pattern == "" {
		return nil, Summary{}, errors.New("extract needs a pattern")
	}
	re, err := regexp.Compile(op.Pattern)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("bad pattern: %w", err)
	}
	groups := re.NumSubexp()

	if op.Expand {
		if groups == 0 {
			return nil, Summary{}, errors.New("expand needs a pattern with capture groups")
		}
		parts := make([][]string, ds.NumRows())
		for i, row := range ds.rows {
			if row[j] == nil {
				continue
			}
			if m := re.FindStringSubmatch(formatValue(row[j])); m != nil {
				parts[i] = m[1:]
			}
		}
		return expandText(ds, j, parts, groups)
	}
	return mapText(ds, op.Column, func(s string) (string, bool) {
		m := re.FindStringSubmatch(s)
		if m == nil {
			return "", false
		}
		if groups == 0 {
			return m[0], true
		}
		return m[1], true
	})
}
