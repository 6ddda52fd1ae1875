package table

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/expr-lang/expr/vm"
)

// Apply runs op against ds and returns the resulting dataset. ds is never
// modified; rows the operation does not touch are shared with the result.
func Apply(ctx context.Context, ds *Dataset, op Op) (*Dataset, Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, Summary{}, err
	}
	if ds == nil {
		return nil, Summary{}, errors.New("no dataset")
	}

	var (
		out *Dataset
		sum Summary
		err error
	)
	switch o := op.(type) {
	case Filter:
		out, sum, err = applyFilter(ds, o)
	case Sort:
		out, sum, err = applySort(ds, o)
	case SelectColumns:
		out, sum, err = applySelect(ds, o)
	case RenameColumns:
		out, sum, err = applyRename(ds, o)
	case AddColumn:
		out, sum, err = applyAddColumn(ds, o)
	case RemoveColumns:
		out, sum, err = applyRemoveColumns(ds, o)
	case ChangeType:
		out, sum, err = applyChangeType(ds, o)
	case FillMissing:
		out, sum, err = applyFillMissing(ds, o)
	case RemoveDuplicates:
		out, sum, err = applyRemoveDuplicates(ds, o)
	case UpdateColumn:
		out, sum, err = applyUpdateColumn(ds, o)
	case SetCell:
		out, sum, err = applySetCell(ds, o)
	case InsertRow:
		out, sum, err = applyInsertRow(ds, o)
	case DeleteRow:
		out, sum, err = applyDeleteRow(ds, o)
	case UpdateRow:
		out, sum, err = applyUpdateRow(ds, o)
	case ReplaceText:
		out, sum, err = applyReplaceText(ds, o)
	case Strip:
		out, sum, err = applyStrip(ds, o)
	case ChangeCase:
		out, sum, err = applyChangeCase(ds, o)
	case Split:
		out, sum, err = applySplit(ds, o)
	case Extract:
		out, sum, err = applyExtract(ds, o)
	default:
		return nil, Summary{}, fmt.Errorf("%w: %T", ErrUnknownOp, op)
	}
	if err != nil {
		return nil, Summary{}, fmt.Errorf("%s: %w", op.Kind(), err)
	}
	sum.RowsBefore = ds.NumRows()
	sum.RowsAfter = out.NumRows()
	return out, sum, nil
}

func (d *Dataset) requireColumns(names []string) ([]int, error) {
	idx := make([]int, len(names))
	for i, n := range names {
		j := d.ColumnIndex(n)
		if j < 0 {
			return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, n)
		}
		idx[i] = j
	}
	return idx, nil
}

// withRows shares the column layout of d.
func (d *Dataset) withRows(rows [][]any) *Dataset {
	return &Dataset{columns: d.columns, index: d.index, rows: rows}
}

func applyFilter(ds *Dataset, op Filter) (*Dataset, Summary, error) {
	if len(op.Conditions) == 0 && op.Expression == "" {
		return nil, Summary{}, errors.New("filter needs conditions or an expression")
	}
	mode := strings.ToLower(op.Mode)
	if mode == "" {
		mode = "and"
	}
	if mode != "and" && mode != "or" {
		return nil, Summary{}, fmt.Errorf("unknown filter mode %q", op.Mode)
	}
	cols := make([]int, len(op.Conditions))
	for i, c := range op.Conditions {
		j := ds.ColumnIndex(c.Column)
		if j < 0 {
			return nil, Summary{}, fmt.Errorf("%w: %q", ErrColumnNotFound, c.Column)
		}
		if !knownOperator(c.Operator) {
			return nil, Summary{}, fmt.Errorf("unknown operator %q", c.Operator)
		}
		cols[i] = j
	}
	var program *vm.Program
	if op.Expression != "" {
		p, err := compileExpr(op.Expression, true)
		if err != nil {
			return nil, Summary{}, err
		}
		program = p
	}

	kept := make([][]any, 0, ds.NumRows())
	for i, row := range ds.rows {
		match := mode == "and"
		for k, c := range op.Conditions {
			ok := matchCondition(row[cols[k]], c)
			if mode == "and" {
				match = match && ok
			} else {
				match = match || ok
			}
		}
		if len(op.Conditions) == 0 {
			match = true
		}
		if match && program != nil {
			v, err := runExpr(program, ds.Record(i))
			if err != nil {
				return nil, Summary{}, fmt.Errorf("row %d: %w", i, err)
			}
			b, _ := v.(bool)
			match = b
		}
		if match {
			kept = append(kept, row)
		}
	}
	return ds.withRows(kept), Summary{RowsAffected: ds.NumRows() - len(kept)}, nil
}

func knownOperator(op string) bool {
	switch op {
	case "==", "!=", ">", "<", ">=", "<=", "contains", "starts_with", "ends_with",
		"in", "not_in", "is_null", "not_null":
		return true
	}
	return false
}

func matchCondition(cell any, c Condition) bool {
	want := normalize(c.Value)
	switch c.Operator {
	case "is_null":
		return cell == nil
	case "not_null":
		return cell != nil
	case "==":
		return cell != nil && compareValues(cell, want) == 0
	case "!=":
		return cell == nil || compareValues(cell, want) != 0
	case "in", "not_in":
		found := false
		if list, ok := c.Value.([]any); ok {
			for _, v := range list {
				if cell != nil && compareValues(cell, normalize(v)) == 0 {
					found = true
					break
				}
			}
		}
		return found == (c.Operator == "in")
	}
	if cell == nil {
		return false
	}
	switch c.Operator {
	case ">":
		return compareValues(cell, want) > 0
	case "<":
		return compareValues(cell, want) < 0
	case ">=":
		return compareValues(cell, want) >= 0
	case "<=":
		return compareValues(cell, want) <= 0
	case "contains":
		return strings.Contains(formatValue(cell), formatValue(want))
	case "starts_with":
		return strings.HasPrefix(formatValue(cell), formatValue(want))
	case "ends_with":
		return strings.HasSuffix(formatValue(cell), formatValue(want))
	}
	return false
}

func applySort(ds *Dataset, op Sort) (*Dataset, Summary, error) {
	if len(op.Keys) == 0 {
		return nil, Summary{}, errors.New("sort needs at least one key")
	}
	names := make([]string, len(op.Keys))
	for i, k := range op.Keys {
		names[i] = k.Column
	}
	idx, err := ds.requireColumns(names)
	if err != nil {
		return nil, Summary{}, err
	}
	rows := slices.Clone(ds.rows)
	slices.SortStableFunc(rows, func(a, b []any) int {
		for i, k := range op.Keys {
			x, y := a[idx[i]], b[idx[i]]
			switch {
			case x == nil && y == nil:
				continue
			case x == nil:
				return 1
			case y == nil:
				return -1
			}
			c := compareValues(x, y)
			if k.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
	return ds.withRows(rows), Summary{RowsAffected: len(rows), ColumnsAffected: names}, nil
}

func applySelect(ds *Dataset, op SelectColumns) (*Dataset, Summary, error) {
	if len(op.Columns) == 0 {
		return nil, Summary{}, errors.New("select needs at least one column")
	}
	idx, err := ds.requireColumns(op.Columns)
	if err != nil {
		return nil, Summary{}, err
	}
	cols := make([]Column, len(idx))
	for i, j := range idx {
		cols[i] = ds.columns[j]
	}
	rows := make([][]any, ds.NumRows())
	for i, row := range ds.rows {
		r := make([]any, len(idx))
		for k, j := range idx {
			r[k] = row[j]
		}
		rows[i] = r
	}
	out, err := New(cols, rows)
	if err != nil {
		return nil, Summary{}, err
	}
	var removed []string
	for _, c := range ds.columns {
		if !slices.Contains(op.Columns, c.Name) {
			removed = append(removed, c.Name)
		}
	}
	return out, Summary{ColumnsAffected: removed}, nil
}

func applyRename(ds *Dataset, op RenameColumns) (*Dataset, Summary, error) {
	if len(op.Mapping) == 0 {
		return nil, Summary{}, errors.New("rename needs a mapping")
	}
	cols := ds.Columns()
	var changed []string
	for from, to := range op.Mapping {
		j := ds.ColumnIndex(from)
		if j < 0 {
			return nil, Summary{}, fmt.Errorf("%w: %q", ErrColumnNotFound, from)
		}
		if to == "" {
			return nil, Summary{}, fmt.Errorf("empty new name for %q", from)
		}
		cols[j].Name = to
		changed = append(changed, to)
	}
	slices.Sort(changed)
	out, err := New(cols, ds.rows)
	if err != nil {
		return nil, Summary{}, err
	}
	return out, Summary{ColumnsAffected: changed}, nil
}

func applyAddColumn(ds *Dataset, op AddColumn) (*Dataset, Summary, error) {
	if op.Name == "" {
		return nil, Summary{}, errors.New("column name is required")
	}
	if ds.ColumnIndex(op.Name) >= 0 {
		return nil, Summary{}, fmt.Errorf("%w: %q", ErrColumnExists, op.Name)
	}
	if op.Formula != "" && op.Value != nil {
		return nil, Summary{}, errors.New("value and formula are mutually exclusive")
	}

	values := make([]any, ds.NumRows())
	if op.Formula != "" {
		program, err := compileExpr(op.Formula, false)
		if err != nil {
			return nil, Summary{}, err
		}
		for i := range ds.rows {
			v, err := runExpr(program, ds.Record(i))
			if err != nil {
				return nil, Summary{}, fmt.Errorf("row %d: %w", i, err)
			}
			values[i] = v
		}
	} else {
		v := normalize(op.Value)
		for i := range values {
			values[i] = v
		}
	}

	t := inferValuesType(values)
	if err := coerceAll(values, t); err != nil {
		return nil, Summary{}, err
	}
	cols := append(ds.Columns(), Column{Name: op.Name, Type: t})
	rows := make([][]any, ds.NumRows())
	for i, row := range ds.rows {
		r := make([]any, len(row)+1)
		copy(r, row)
		r[len(row)] = values[i]
		rows[i] = r
	}
	out, err := New(cols, rows)
	if err != nil {
		return nil, Summary{}, err
	}
	return out, Summary{RowsAffected: len(rows), ColumnsAffected: []string{op.Name}}, nil
}

func coerceAll(values []any, t Type) error {
	for i, v := range values {
		c, err := coerce(v, t)
		if err != nil {
			return err
		}
		values[i] = c
	}
	return nil
}

func applyRemoveColumns(ds *Dataset, op RemoveColumns) (*Dataset, Summary, error) {
	if len(op.Columns) == 0 {
		return nil, Summary{}, errors.New("remove needs at least one column")
	}
	if _, err := ds.requireColumns(op.Columns); err != nil {
		return nil, Summary{}, err
	}
	var keep []string
	for _, c := range ds.columns {
		if !slices.Contains(op.Columns, c.Name) {
			keep = append(keep, c.Name)
		}
	}
	if len(keep) == 0 {
		return nil, Summary{}, errors.New("cannot remove every column")
	}
	out, _, err := applySelect(ds, SelectColumns{Columns: keep})
	if err != nil {
		return nil, Summary{}, err
	}
	return out, Summary{ColumnsAffected: op.Columns}, nil
}

// replaceColumn returns ds with column j set to values and typed t. Rows
// whose cell is unchanged are shared.
func replaceColumn(ds *Dataset, j int, values []any, t Type) (*Dataset, int) {
	cols := ds.Columns()
	cols[j].Type = t
	rows := make([][]any, ds.NumRows())
	changed := 0
	for i, row := range ds.rows {
		if valuesEqual(row[j], values[i]) && typeOf(row[j]) == typeOf(values[i]) {
			rows[i] = row
			continue
		}
		r := slices.Clone(row)
		r[j] = values[i]
		rows[i] = r
		changed++
	}
	return &Dataset{columns: cols, index: ds.index, rows: rows}, changed
}

func (d *Dataset) columnValues(j int) []any {
	out := make([]any, len(d.rows))
	for i, row := range d.rows {
		out[i] = row[j]
	}
	return out
}

func applyChangeType(ds *Dataset, op ChangeType) (*Dataset, Summary, error) {
	j := ds.ColumnIndex(op.Column)
	if j < 0 {
		return nil, Summary{}, fmt.Errorf("%w: %q", ErrColumnNotFound, op.Column)
	}
	if !op.Type.Valid() {
		return nil, Summary{}, fmt.Errorf("unknown type %q", op.Type)
	}
	values := ds.columnValues(j)
	for i, v := range values {
		c, err := coerce(v, op.Type)
		if err != nil {
			if !op.Coerce {
				return nil, Summary{}, fmt.Errorf("row %d: %w", i, err)
			}
			c = nil
		}
		values[i] = c
	}
	out, changed := replaceColumn(ds, j, values, op.Type)
	return out, Summary{RowsAffected: changed, ColumnsAffected: []string{op.Column}}, nil
}

func applyFillMissing(ds *Dataset, op FillMissing) (*Dataset, Summary, error) {
	explicit := len(op.Columns) > 0
	names := op.Columns
	if !explicit {
		names = ds.ColumnNames()
	}
	idx, err := ds.requireColumns(names)
	if err != nil {
		return nil, Summary{}, err
	}

	if op.Strategy == FillDrop {
		kept := make([][]any, 0, ds.NumRows())
		for _, row := range ds.rows {
			missing := false
			for _, j := range idx {
				if row[j] == nil {
					missing = true
					break
				}
			}
			if !missing {
				kept = append(kept, row)
			}
		}
		return ds.withRows(kept), Summary{RowsAffected: ds.NumRows() - len(kept), ColumnsAffected: names}, nil
	}

	out := ds
	filled := 0
	var touched []string
	for k, j := range idx {
		col := ds.columns[j]
		values := ds.columnValues(j)
		missing := countNil(values)
		t := col.Type
		switch op.Strategy {
		case FillConstant:
			if op.Value == nil {
				return nil, Summary{}, errors.New("fill strategy needs a value")
			}
			v, err := coerce(op.Value, t)
			if err != nil {
				return nil, Summary{}, fmt.Errorf("column %q: %w", col.Name, err)
			}
			fillNil(values, func(int) any { return v })
		case FillForward:
			var last any
			for i, v := range values {
				if v == nil {
					values[i] = last
				} else {
					last = v
				}
			}
		case FillBackward:
			var next any
			for i := len(values) - 1; i >= 0; i-- {
				if values[i] == nil {
					values[i] = next
				} else {
					next = values[i]
				}
			}
		case FillMean, FillMedian:
			if t != TypeInteger && t != TypeFloat {
				if explicit {
					return nil, Summary{}, fmt.Errorf("column %q is not numeric", col.Name)
				}
				continue
			}
			stat, ok := numericStat(values, op.Strategy)
			if !ok {
				continue
			}
			var fill any = stat
			if t == TypeInteger {
				if stat == math.Trunc(stat) {
					fill = int64(stat)
				} else {
					t = TypeFloat
					for i, v := range values {
						if v != nil {
							values[i], _ = coerce(v, TypeFloat)
						}
					}
				}
			}
			fillNil(values, func(int) any { return fill })
		case FillMode:
			m, ok := modeOf(values)
			if !ok {
				continue
			}
			fillNil(values, func(int) any { return m })
		default:
			return nil, Summary{}, fmt.Errorf("unknown fill strategy %q", op.Strategy)
		}
		next, changed := replaceColumn(out, j, values, t)
		if changed > 0 || t != col.Type {
			out = next
			filled += missing - countNil(values)
			touched = append(touched, names[k])
		}
	}
	return out, Summary{RowsAffected: filled, ColumnsAffected: touched}, nil
}

func countNil(values []any) int {
	n := 0
	for _, v := range values {
		if v == nil {
			n++
		}
	}
	return n
}

func fillNil(values []any, fill func(int) any) {
	for i, v := range values {
		if v == nil {
			values[i] = fill(i)
		}
	}
}

func numericStat(values []any, strategy string) (float64, bool) {
	var nums []float64
	for _, v := range values {
		if f, ok := asFloat(v); ok {
			nums = append(nums, f)
		}
	}
	if len(nums) == 0 {
		return 0, false
	}
	if strategy == FillMean {
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		return sum / float64(len(nums)), true
	}
	slices.Sort(nums)
	mid := len(nums) / 2
	if len(nums)%2 == 1 {
		return nums[mid], true
	}
	return (nums[mid-1] + nums[mid]) / 2, true
}

// modeOf returns the most frequent non-missing value; ties go to the
// smallest value.
func modeOf(values []any) (any, bool) {
	counts := map[string]int{}
	reps := map[string]any{}
	for _, v := range values {
		if v == nil {
			continue
		}
		k := cellKey(v)
		counts[k]++
		reps[k] = v
	}
	var best any
	bestN := 0
	for k, n := range counts {
		v := reps[k]
		if n > bestN || (n == bestN && compareValues(v, best) < 0) {
			best, bestN = v, n
		}
	}
	return best, bestN > 0
}

func cellKey(v any) string {
	return fmt.Sprintf("%s:%s", typeOf(v), formatValue(v))
}

func applyRemoveDuplicates(ds *Dataset, op RemoveDuplicates) (*Dataset, Summary, error) {
	names := op.Columns
	if len(names) == 0 {
		names = ds.ColumnNames()
	}
	idx, err := ds.requireColumns(names)
	if err != nil {
		return nil, Summary{}, err
	}
	keep := op.Keep
	if keep == "" {
		keep = "first"
	}
	if keep != "first" && keep != "last" && keep != "none" {
		return nil, Summary{}, fmt.Errorf("unknown keep option %q", op.Keep)
	}

	keys := make([]string, ds.NumRows())
	counts := map[string]int{}
	for i, row := range ds.rows {
		parts := make([]string, len(idx))
		for k, j := range idx {
			parts[k] = cellKey(row[j])
			if row[j] == nil {
				parts[k] = "<nil>"
			}
		}
		keys[i] = strings.Join(parts, "\x00")
		counts[keys[i]]++
	}

	seen := map[string]int{}
	kept := make([][]any, 0, ds.NumRows())
	for i, row := range ds.rows {
		k := keys[i]
		seen[k]++
		switch keep {
		case "first":
			if seen[k] == 1 {
				kept = append(kept, row)
			}
		case "last":
			if seen[k] == counts[k] {
				kept = append(kept, row)
			}
		case "none":
			if counts[k] == 1 {
				kept = append(kept, row)
			}
		}
	}
	return ds.withRows(kept), Summary{RowsAffected: ds.NumRows() - len(kept), ColumnsAffected: op.Columns}, nil
}

func applyUpdateColumn(ds *Dataset, op UpdateColumn) (*Dataset, Summary, error) {
	j := ds.ColumnIndex(op.Column)
	if j < 0 {
		return nil, Summary{}, fmt.Errorf("%w: %q", ErrColumnNotFound, op.Column)
	}
	col := ds.columns[j]
	values := ds.columnValues(j)
	t := col.Type

	switch op.Operation {
	case UpdateReplace:
		if op.Pattern == "" {
			return nil, Summary{}, errors.New("replace needs a pattern")
		}
		re, err := regexp.Compile(op.Pattern)
		if err != nil {
			return nil, Summary{}, fmt.Errorf("bad pattern: %w", err)
		}
		text := make([]string, len(values))
		for i, v := range values {
			if v != nil {
				text[i] = re.ReplaceAllString(formatValue(v), op.Replacement)
			}
		}
		parsed := make([]any, len(values))
		for i, v := range values {
			if v == nil {
				continue
			}
			p, err := parseCell(text[i], t)
			if err != nil {
				t = TypeString
				break
			}
			parsed[i] = p
		}
		for i, v := range values {
			if v == nil {
				continue
			}
			if t == TypeString {
				values[i] = text[i]
			} else {
				values[i] = parsed[i]
			}
		}
	case UpdateMap:
		if len(op.Mapping) == 0 {
			return nil, Summary{}, errors.New("map needs a mapping")
		}
		for i, v := range values {
			if v == nil {
				continue
			}
			if m, ok := op.Mapping[formatValue(v)]; ok {
				values[i] = normalize(m)
			}
		}
		t = inferValuesType(values)
	case UpdateApply:
		if op.Expression == "" {
			return nil, Summary{}, errors.New("apply needs an expression")
		}
		program, err := compileExpr(op.Expression, false)
		if err != nil {
			return nil, Summary{}, err
		}
		for i := range values {
			env := ds.Record(i)
			env["x"] = values[i]
			v, err := runExpr(program, env)
			if err != nil {
				return nil, Summary{}, fmt.Errorf("row %d: %w", i, err)
			}
			values[i] = v
		}
		t = inferValuesType(values)
	case UpdateFillNA:
		if op.Value == nil {
			return nil, Summary{}, errors.New("fillna needs a value")
		}
		v, err := coerce(op.Value, t)
		if err != nil {
			return nil, Summary{}, err
		}
		fillNil(values, func(int) any { return v })
	default:
		return nil, Summary{}, fmt.Errorf("unknown update operation %q", op.Operation)
	}

	if err := coerceAll(values, t); err != nil {
		return nil, Summary{}, err
	}
	out, changed := replaceColumn(ds, j, values, t)
	return out, Summary{RowsAffected: changed, ColumnsAffected: []string{op.Column}}, nil
}

func applySetCell(ds *Dataset, op SetCell) (*Dataset, Summary, error) {
	j := ds.ColumnIndex(op.Column)
	if j < 0 {
		return nil, Summary{}, fmt.Errorf("%w: %q", ErrColumnNotFound, op.Column)
	}
	if op.Row < 0 || op.Row >= ds.NumRows() {
		return nil, Summary{}, fmt.Errorf("%w: %d", ErrRowOutOfRange, op.Row)
	}
	v, err := coerce(op.Value, ds.columns[j].Type)
	if err != nil {
		return nil, Summary{}, err
	}
	rows := slices.Clone(ds.rows)
	r := slices.Clone(rows[op.Row])
	r[j] = v
	rows[op.Row] = r
	return ds.withRows(rows), Summary{RowsAffected: 1, ColumnsAffected: []string{op.Column}}, nil
}

func applyInsertRow(ds *Dataset, op InsertRow) (*Dataset, Summary, error) {
	row := make([]any, ds.NumColumns())
	for name, raw := range op.Values {
		j := ds.ColumnIndex(name)
		if j < 0 {
			return nil, Summary{}, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
		}
		v, err := coerce(raw, ds.columns[j].Type)
		if err != nil {
			return nil, Summary{}, fmt.Errorf("column %q: %w", name, err)
		}
		row[j] = v
	}
	at := op.Index
	if at < 0 || at > ds.NumRows() {
		at = ds.NumRows()
	}
	rows := slices.Insert(slices.Clone(ds.rows), at, row)
	return ds.withRows(rows), Summary{RowsAffected: 1}, nil
}

func applyDeleteRow(ds *Dataset, op DeleteRow) (*Dataset, Summary, error) {
	if op.Index < 0 || op.Index >= ds.NumRows() {
		return nil, Summary{}, fmt.Errorf("%w: %d", ErrRowOutOfRange, op.Index)
	}
	rows := slices.Delete(slices.Clone(ds.rows), op.Index, op.Index+1)
	return ds.withRows(rows), Summary{RowsAffected: 1}, nil
}

func applyUpdateRow(ds *Dataset, op UpdateRow) (*Dataset, Summary, error) {
	if op.Row < 0 || op.Row >= ds.NumRows() {
		return nil, Summary{}, fmt.Errorf("%w: %d", ErrRowOutOfRange, op.Row)
	}
	if len(op.Values) == 0 {
		return nil, Summary{}, errors.New("update_row needs at least one value")
	}
	r := slices.Clone(ds.rows[op.Row])
	names := make([]string, 0, len(op.Values))
	for name, raw := range op.Values {
		j := ds.ColumnIndex(name)
		if j < 0 {
			return nil, Summary{}, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
		}
		v, err := coerce(raw, ds.columns[j].Type)
		if err != nil {
			return nil, Summary{}, fmt.Errorf("column %q: %w", name, err)
		}
		r[j] = v
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int { return ds.ColumnIndex(a) - ds.ColumnIndex(b) })
	rows := slices.Clone(ds.rows)
	rows[op.Row] = r
	return ds.withRows(rows), Summary{RowsAffected: 1, ColumnsAffected: names}, nil
}
