package table

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const peopleCSV = `name,age,score,active
alice,30,88.5,true
bob,,92,false
carol,25,,true
`

func loadPeople(t *testing.T) *Dataset {
	t.Helper()
	ds, err := Load(context.Background(), Source{Content: peopleCSV})
	require.NoError(t, err)
	return ds
}

func TestLoadInfersTypes(t *testing.T) {
	ds := loadPeople(t)

	assert.Equal(t, 3, ds.NumRows())
	assert.Equal(t, []Column{
		{Name: "name", Type: TypeString},
		{Name: "age", Type: TypeInteger},
		{Name: "score", Type: TypeFloat},
		{Name: "active", Type: TypeBoolean},
	}, ds.Columns())

	age, err := ds.Cell(0, "age")
	require.NoError(t, err)
	assert.Equal(t, int64(30), age)

	missing, err := ds.Cell(1, "age")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.Equal(t, map[string]int{"name": 0, "age": 1, "score": 1, "active": 0}, ds.NullCounts())
}

func TestLoadFromFileTSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.tsv")
	require.NoError(t, os.WriteFile(path, []byte("a\tb\n1\tx\n2\ty\n"), 0o644))

	ds, err := Load(context.Background(), Source{Path: path})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ds.ColumnNames())
	assert.Equal(t, 2, ds.NumRows())
}

func TestLoadNoHeaderAndMaxRows(t *testing.T) {
	ds, err := Load(context.Background(), Source{Content: "1,2\n3,4\n5,6\n", NoHeader: true, MaxRows: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"column_1", "column_2"}, ds.ColumnNames())
	assert.Equal(t, 2, ds.NumRows())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(context.Background(), Source{})
	assert.Error(t, err)

	_, err = Load(context.Background(), Source{Path: filepath.Join(t.TempDir(), "missing.csv")})
	assert.Error(t, err)
}

func TestSerializeFormats(t *testing.T) {
	ds := loadPeople(t)

	csvOut, err := Bytes(ds, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, peopleCSV, string(csvOut))

	md, err := Bytes(ds, FormatMarkdown)
	require.NoError(t, err)
	assert.Contains(t, string(md), "| name | age | score | active |")
	assert.Contains(t, string(md), "| bob |  | 92 | false |")

	js, err := Bytes(ds, FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, string(js), `"name": "alice"`)

	reloaded, err := Load(context.Background(), Source{Content: string(csvOut)})
	require.NoError(t, err)
	assert.True(t, ds.Equal(reloaded))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = ParseFormat("md")
	require.NoError(t, err)
	assert.Equal(t, "md", f.Ext())

	_, err = ParseFormat("xlsx")
	assert.Error(t, err)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	ds := loadPeople(t)
	before, err := Bytes(ds, FormatCSV)
	require.NoError(t, err)

	ops := []Op{
		SetCell{Row: 0, Column: "name", Value: "zed"},
		Sort{Keys: []SortKey{{Column: "age"}}},
		FillMissing{Strategy: FillMean},
		DeleteRow{Index: 1},
		InsertRow{Index: 0, Values: map[string]any{"name": "dave"}},
		RenameColumns{Mapping: map[string]string{"name": "who"}},
		ChangeType{Column: "age", Type: TypeString},
	}
	for _, op := range ops {
		t.Run(string(op.Kind()), func(t *testing.T) {
			_, _, err := Apply(context.Background(), ds, op)
			require.NoError(t, err)
			after, err := Bytes(ds, FormatCSV)
			require.NoError(t, err)
			assert.Equal(t, string(before), string(after))
		})
	}
}

func TestFilter(t *testing.T) {
	ds := loadPeople(t)

	tests := []struct {
		name  string
		op    Filter
		names []string
	}{
		{"greater", Filter{Conditions: []Condition{{Column: "age", Operator: ">", Value: 26}}}, []string{"alice"}},
		{"null", Filter{Conditions: []Condition{{Column: "age", Operator: "is_null"}}}, []string{"bob"}},
		{"or", Filter{Mode: "or", Conditions: []Condition{
			{Column: "name", Operator: "==", Value: "bob"},
			{Column: "name", Operator: "starts_with", Value: "ca"},
		}}, []string{"bob", "carol"}},
		{"in", Filter{Conditions: []Condition{{Column: "name", Operator: "in", Value: []any{"alice", "carol"}}}}, []string{"alice", "carol"}},
		{"expression", Filter{Expression: "active && score != nil && score > 50"}, []string{"alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, sum, err := Apply(context.Background(), ds, tt.op)
			require.NoError(t, err)
			var got []string
			for i := 0; i < out.NumRows(); i++ {
				v, _ := out.Cell(i, "name")
				got = append(got, v.(string))
			}
			assert.Equal(t, tt.names, got)
			assert.Equal(t, 3, sum.RowsBefore)
			assert.Equal(t, len(tt.names), sum.RowsAfter)
		})
	}

	_, _, err := Apply(context.Background(), ds, Filter{Conditions: []Condition{{Column: "nope", Operator: "=="}}})
	assert.True(t, errors.Is(err, ErrColumnNotFound))

	_, _, err = Apply(context.Background(), ds, Filter{Conditions: []Condition{{Column: "age", Operator: "~="}}})
	assert.Error(t, err)
}

func TestSortNullsLast(t *testing.T) {
	ds := loadPeople(t)

	out, _, err := Apply(context.Background(), ds, Sort{Keys: []SortKey{{Column: "age", Descending: true}}})
	require.NoError(t, err)

	var names []any
	for i := 0; i < out.NumRows(); i++ {
		v, _ := out.Cell(i, "name")
		names = append(names, v)
	}
	assert.Equal(t, []any{"alice", "carol", "bob"}, names)
}

func TestColumnOps(t *testing.T) {
	ds := loadPeople(t)
	ctx := context.Background()

	sel, _, err := Apply(ctx, ds, SelectColumns{Columns: []string{"score", "name"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"score", "name"}, sel.ColumnNames())

	rm, sum, err := Apply(ctx, ds, RemoveColumns{Columns: []string{"active"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "age", "score"}, rm.ColumnNames())
	assert.Equal(t, []string{"active"}, sum.ColumnsAffected)

	_, _, err = Apply(ctx, ds, RemoveColumns{Columns: ds.ColumnNames()})
	assert.Error(t, err)

	rn, _, err := Apply(ctx, ds, RenameColumns{Mapping: map[string]string{"name": "who"}})
	require.NoError(t, err)
	assert.Equal(t, 0, rn.ColumnIndex("who"))

	_, _, err = Apply(ctx, ds, RenameColumns{Mapping: map[string]string{"name": "age"}})
	assert.Error(t, err)
}

func TestAddColumn(t *testing.T) {
	ds := loadPeople(t)
	ctx := context.Background()

	filled, _, err := Apply(ctx, ds, FillMissing{Strategy: FillConstant, Value: 0, Columns: []string{"score"}})
	require.NoError(t, err)

	out, sum, err := Apply(ctx, filled, AddColumn{Name: "double", Formula: "score * 2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"double"}, sum.ColumnsAffected)
	v, _ := out.Cell(0, "double")
	assert.Equal(t, 177.0, v)

	constant, _, err := Apply(ctx, ds, AddColumn{Name: "team", Value: "red"})
	require.NoError(t, err)
	v, _ = constant.Cell(2, "team")
	assert.Equal(t, "red", v)

	_, _, err = Apply(ctx, ds, AddColumn{Name: "age", Value: 1})
	assert.True(t, errors.Is(err, ErrColumnExists))

	_, _, err = Apply(ctx, ds, AddColumn{Name: "bad", Formula: "score +"})
	assert.Error(t, err)
}

func TestFillMissingStrategies(t *testing.T) {
	ds := loadPeople(t)
	ctx := context.Background()

	drop, sum, err := Apply(ctx, ds, FillMissing{Strategy: FillDrop})
	require.NoError(t, err)
	assert.Equal(t, 1, drop.NumRows())
	assert.Equal(t, 2, sum.RowsAffected)

	mean, _, err := Apply(ctx, ds, FillMissing{Strategy: FillMean, Columns: []string{"age"}})
	require.NoError(t, err)
	v, _ := mean.Cell(1, "age")
	assert.Equal(t, 27.5, v)
	assert.Equal(t, TypeFloat, mean.Columns()[1].Type)

	median, _, err := Apply(ctx, ds, FillMissing{Strategy: FillMedian, Columns: []string{"score"}})
	require.NoError(t, err)
	v, _ = median.Cell(2, "score")
	assert.Equal(t, 90.25, v)

	fwd, _, err := Apply(ctx, ds, FillMissing{Strategy: FillForward, Columns: []string{"age"}})
	require.NoError(t, err)
	v, _ = fwd.Cell(1, "age")
	assert.Equal(t, int64(30), v)

	back, _, err := Apply(ctx, ds, FillMissing{Strategy: FillBackward, Columns: []string{"age"}})
	require.NoError(t, err)
	v, _ = back.Cell(1, "age")
	assert.Equal(t, int64(25), v)

	_, _, err = Apply(ctx, ds, FillMissing{Strategy: FillMean, Columns: []string{"name"}})
	assert.Error(t, err)

	_, _, err = Apply(ctx, ds, FillMissing{Strategy: "guess"})
	assert.Error(t, err)
}

func TestRemoveDuplicates(t *testing.T) {
	ds, err := Load(context.Background(), Source{Content: "k,v\na,1\nb,2\na,3\n"})
	require.NoError(t, err)

	tests := []struct {
		keep string
		want []any
	}{
		{"first", []any{int64(1), int64(2)}},
		{"last", []any{int64(2), int64(3)}},
		{"none", []any{int64(2)}},
	}
	for _, tt := range tests {
		t.Run(tt.keep, func(t *testing.T) {
			out, _, err := Apply(context.Background(), ds, RemoveDuplicates{Columns: []string{"k"}, Keep: tt.keep})
			require.NoError(t, err)
			var got []any
			for i := 0; i < out.NumRows(); i++ {
				v, _ := out.Cell(i, "v")
				got = append(got, v)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpdateColumn(t *testing.T) {
	ds := loadPeople(t)
	ctx := context.Background()

	replaced, _, err := Apply(ctx, ds, UpdateColumn{Column: "name", Operation: UpdateReplace, Pattern: "^a", Replacement: "A"})
	require.NoError(t, err)
	v, _ := replaced.Cell(0, "name")
	assert.Equal(t, "Alice", v)

	mapped, _, err := Apply(ctx, ds, UpdateColumn{Column: "active", Operation: UpdateMap, Mapping: map[string]any{"true": "yes", "false": "no"}})
	require.NoError(t, err)
	v, _ = mapped.Cell(1, "active")
	assert.Equal(t, "no", v)
	assert.Equal(t, TypeString, mapped.Columns()[3].Type)

	applied, _, err := Apply(ctx, ds, UpdateColumn{Column: "age", Operation: UpdateApply, Expression: "x == nil ? 0 : x + 1"})
	require.NoError(t, err)
	v, _ = applied.Cell(0, "age")
	assert.Equal(t, int64(31), v)

	filled, sum, err := Apply(ctx, ds, UpdateColumn{Column: "age", Operation: UpdateFillNA, Value: 40})
	require.NoError(t, err)
	v, _ = filled.Cell(1, "age")
	assert.Equal(t, int64(40), v)
	assert.Equal(t, 1, sum.RowsAffected)
}

func TestRowOps(t *testing.T) {
	ds := loadPeople(t)
	ctx := context.Background()

	set, _, err := Apply(ctx, ds, SetCell{Row: 1, Column: "age", Value: 41.0})
	require.NoError(t, err)
	v, _ := set.Cell(1, "age")
	assert.Equal(t, int64(41), v)

	_, _, err = Apply(ctx, ds, SetCell{Row: 9, Column: "age", Value: 1})
	assert.True(t, errors.Is(err, ErrRowOutOfRange))

	_, _, err = Apply(ctx, ds, SetCell{Row: 0, Column: "age", Value: "old"})
	assert.True(t, errors.Is(err, ErrBadValue))

	ins, _, err := Apply(ctx, ds, InsertRow{Index: -1, Values: map[string]any{"name": "dave", "age": 50}})
	require.NoError(t, err)
	assert.Equal(t, 4, ins.NumRows())
	v, _ = ins.Cell(3, "name")
	assert.Equal(t, "dave", v)

	del, _, err := Apply(ctx, ds, DeleteRow{Index: 0})
	require.NoError(t, err)
	v, _ = del.Cell(0, "name")
	assert.Equal(t, "bob", v)
}

func TestChangeType(t *testing.T) {
	ds := loadPeople(t)
	ctx := context.Background()

	out, _, err := Apply(ctx, ds, ChangeType{Column: "age", Type: TypeFloat})
	require.NoError(t, err)
	v, _ := out.Cell(0, "age")
	assert.Equal(t, 30.0, v)

	_, _, err = Apply(ctx, ds, ChangeType{Column: "name", Type: TypeInteger})
	assert.Error(t, err)

	coerced, _, err := Apply(ctx, ds, ChangeType{Column: "name", Type: TypeInteger, Coerce: true})
	require.NoError(t, err)
	assert.Equal(t, 3, coerced.NullCounts()["name"])
}

func TestValidateRows(t *testing.T) {
	ds := loadPeople(t)

	report, err := ValidateRows(ds, `{
		"type": "object",
		"properties": {"age": {"type": "integer", "minimum": 26}},
		"required": ["name"]
	}`)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, 3, report.RowsChecked)
	assert.Equal(t, 2, report.InvalidRows)

	_, err = ValidateRows(ds, `{"type": 12}`)
	assert.Error(t, err)
}

func TestProfileAndPreview(t *testing.T) {
	ds := loadPeople(t)

	profile := Profile(ds)
	require.Len(t, profile, 4)
	assert.Equal(t, ColumnProfile{Name: "active", Type: TypeBoolean, Nulls: 0, Distinct: 2}, profile[3])

	preview := Preview(ds, 2)
	require.Len(t, preview, 2)
	assert.Equal(t, 1, preview[1].Index)
	assert.Equal(t, "bob", preview[1].Values["name"])
	assert.Len(t, Preview(ds, 10), 3)
}

func TestDatasetEqual(t *testing.T) {
	a := loadPeople(t)
	b := loadPeople(t)
	assert.True(t, a.Equal(b))

	c, _, err := Apply(context.Background(), a, SetCell{Row: 0, Column: "score", Value: 1})
	require.NoError(t, err)
	assert.False(t, a.Equal(c))

	var buf bytes.Buffer
	require.NoError(t, Serialize(a, FormatTSV, &buf))
	assert.Contains(t, buf.String(), "name\tage")
}
