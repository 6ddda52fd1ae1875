// Package table is the compute engine behind a session: an immutable tabular
// Dataset, loaders and serializers, and the closed set of operations that turn
// one Dataset into another.
//
// A Dataset is never modified after construction. Operations return new
// values and share untouched rows with their input, so holding an old Dataset
// as an undo snapshot costs only the rows that changed.
package table

import (
	"fmt"
	"math"
	"time"
)

// Type is the logical type of a column.
type Type string

const (
	TypeString   Type = "string"
	TypeInteger  Type = "integer"
	TypeFloat    Type = "float"
	TypeBoolean  Type = "boolean"
	TypeDatetime Type = "datetime"
)

// Valid reports whether t is a known column type.
func (t Type) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeDatetime:
		return true
	}
	return false
}

// Column describes one column of a Dataset.
type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Dataset is an immutable table. Cell values are nil (missing), string,
// int64, float64, bool or time.Time.
type Dataset struct {
	columns []Column
	index   map[string]int
	rows    [][]any
}

// New builds a Dataset. Every row must have exactly one value per column.
// The slices are owned by the Dataset afterwards.
func New(columns []Column, rows [][]any) (*Dataset, error) {
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		if c.Name == "" {
			return nil, fmt.Errorf("column %d has an empty name", i)
		}
		if _, dup := index[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column %q", c.Name)
		}
		index[c.Name] = i
	}
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(r), len(columns))
		}
	}
	return &Dataset{columns: columns, index: index, rows: rows}, nil
}

// MustNew is New for tests and literals; it panics on error.
func MustNew(columns []Column, rows [][]any) *Dataset {
	ds, err := New(columns, rows)
	if err != nil {
		panic(err)
	}
	return ds
}

// NumRows returns the row count.
func (d *Dataset) NumRows() int { return len(d.rows) }

// NumColumns returns the column count.
func (d *Dataset) NumColumns() int { return len(d.columns) }

// Columns returns a copy of the column descriptors.
func (d *Dataset) Columns() []Column {
	out := make([]Column, len(d.columns))
	copy(out, d.columns)
	return out
}

// ColumnNames returns the column names in order.
func (d *Dataset) ColumnNames() []string {
	out := make([]string, len(d.columns))
	for i, c := range d.columns {
		out[i] = c.Name
	}
	return out
}

// ColumnIndex returns the position of name, or -1.
func (d *Dataset) ColumnIndex(name string) int {
	if i, ok := d.index[name]; ok {
		return i
	}
	return -1
}

// Head returns a dataset of the first n rows. It shares row storage with d.
func (d *Dataset) Head(n int) *Dataset {
	n = min(max(n, 0), len(d.rows))
	return d.withRows(d.rows[:n:n])
}

// Row returns a copy of row i.
func (d *Dataset) Row(i int) []any {
	out := make([]any, len(d.rows[i]))
	copy(out, d.rows[i])
	return out
}

// Record returns row i keyed by column name.
func (d *Dataset) Record(i int) map[string]any {
	rec := make(map[string]any, len(d.columns))
	for j, c := range d.columns {
		rec[c.Name] = d.rows[i][j]
	}
	return rec
}

// Cell returns the value at row i in the named column.
func (d *Dataset) Cell(i int, column string) (any, error) {
	j := d.ColumnIndex(column)
	if j < 0 {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, column)
	}
	if i < 0 || i >= len(d.rows) {
		return nil, fmt.Errorf("%w: %d", ErrRowOutOfRange, i)
	}
	return d.rows[i][j], nil
}

// NullCounts returns the number of missing values per column.
func (d *Dataset) NullCounts() map[string]int {
	out := make(map[string]int, len(d.columns))
	for j, c := range d.columns {
		n := 0
		for _, r := range d.rows {
			if r[j] == nil {
				n++
			}
		}
		out[c.Name] = n
	}
	return out
}

// Equal reports whether two datasets have the same columns and cell values.
func (d *Dataset) Equal(o *Dataset) bool {
	if d == o {
		return true
	}
	if d == nil || o == nil {
		return false
	}
	if len(d.columns) != len(o.columns) || len(d.rows) != len(o.rows) {
		return false
	}
	for i := range d.columns {
		if d.columns[i] != o.columns[i] {
			return false
		}
	}
	for i := range d.rows {
		for j := range d.rows[i] {
			if !valuesEqual(d.rows[i][j], o.rows[i][j]) {
				return false
			}
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return false
		}
		if math.IsNaN(x) && math.IsNaN(y) {
			return true
		}
		return x == y
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	}
	return a == b
}
