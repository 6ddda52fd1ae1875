package table

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

const maxReportedViolations = 100

// Violation is one schema failure for one row.
type Violation struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationReport is the result of ValidateRows.
type ValidationReport struct {
	Valid       bool        `json:"valid"`
	RowsChecked int         `json:"rows_checked"`
	InvalidRows int         `json:"invalid_rows"`
	Violations  []Violation `json:"violations,omitempty"`
	Truncated   bool        `json:"truncated,omitempty"`
}

// ValidateRows checks every row, as a JSON object keyed by column name,
// against a JSON Schema document.
func ValidateRows(ds *Dataset, schema string) (*ValidationReport, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	report := &ValidationReport{Valid: true, RowsChecked: ds.NumRows()}
	for i := range ds.rows {
		result, err := compiled.Validate(gojsonschema.NewGoLoader(ds.Record(i)))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if result.Valid() {
			continue
		}
		report.Valid = false
		report.InvalidRows++
		for _, re := range result.Errors() {
			if len(report.Violations) >= maxReportedViolations {
				report.Truncated = true
				break
			}
			report.Violations = append(report.Violations, Violation{
				Row:     i,
				Field:   re.Field(),
				Message: re.Description(),
			})
		}
	}
	return report, nil
}
