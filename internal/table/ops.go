package table

import "errors"

// Kind names an operation variant.
type Kind string

const (
	KindFilter           Kind = "filter"
	KindSort             Kind = "sort"
	KindSelectColumns    Kind = "select_columns"
	KindRenameColumns    Kind = "rename_columns"
	KindAddColumn        Kind = "add_column"
	KindRemoveColumns    Kind = "remove_columns"
	KindChangeType       Kind = "change_type"
	KindFillMissing      Kind = "fill_missing"
	KindRemoveDuplicates Kind = "remove_duplicates"
	KindUpdateColumn     Kind = "update_column"
	KindSetCell          Kind = "set_cell"
	KindInsertRow        Kind = "insert_row"
	KindDeleteRow        Kind = "delete_row"
	KindUpdateRow        Kind = "update_row"
	KindReplaceText      Kind = "replace_in_column"
	KindStrip            Kind = "strip_column"
	KindChangeCase       Kind = "transform_case"
	KindSplit            Kind = "split_column"
	KindExtract          Kind = "extract_from_column"
)

// Kinds lists every operation kind.
var Kinds = []Kind{
	KindFilter, KindSort, KindSelectColumns, KindRenameColumns, KindAddColumn,
	KindRemoveColumns, KindChangeType, KindFillMissing, KindRemoveDuplicates,
	KindUpdateColumn, KindSetCell, KindInsertRow, KindDeleteRow, KindUpdateRow,
	KindReplaceText, KindStrip, KindChangeCase, KindSplit, KindExtract,
}

// ErrUnknownOp is returned by Apply for a variant it does not handle.
var ErrUnknownOp = errors.New("unknown operation")

// Op is one dataset transformation. The set of implementations is closed:
// only the types in this file satisfy it.
type Op interface {
	Kind() Kind
	sealed()
}

// Summary describes the effect of an applied operation.
type Summary struct {
	RowsBefore      int      `json:"rows_before"`
	RowsAfter       int      `json:"rows_after"`
	RowsAffected    int      `json:"rows_affected"`
	ColumnsAffected []string `json:"columns_affected,omitempty"`
}

// Condition is a single column predicate of a Filter.
// Operators: == != > < >= <= contains starts_with ends_with in not_in is_null not_null.
type Condition struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Filter keeps rows matching its conditions (joined by Mode, "and" or "or")
// and, when set, the boolean Expression.
type Filter struct {
	Conditions []Condition `json:"conditions,omitempty"`
	Mode       string      `json:"mode,omitempty"`
	Expression string      `json:"expression,omitempty"`
}

type SortKey struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

// Sort is a stable multi-key sort. Missing values sort last.
type Sort struct {
	Keys []SortKey `json:"keys"`
}

type SelectColumns struct {
	Columns []string `json:"columns"`
}

type RenameColumns struct {
	Mapping map[string]string `json:"mapping"`
}

// AddColumn appends a column holding either a constant Value or the result
// of Formula evaluated per row.
type AddColumn struct {
	Name    string `json:"name"`
	Value   any    `json:"value,omitempty"`
	Formula string `json:"formula,omitempty"`
}

type RemoveColumns struct {
	Columns []string `json:"columns"`
}

// ChangeType converts a column. With Coerce, unconvertible cells become
// missing instead of failing the operation.
type ChangeType struct {
	Column string `json:"column"`
	Type   Type   `json:"type"`
	Coerce bool   `json:"coerce,omitempty"`
}

// Fill strategies.
const (
	FillDrop     = "drop"
	FillConstant = "fill"
	FillForward  = "forward"
	FillBackward = "backward"
	FillMean     = "mean"
	FillMedian   = "median"
	FillMode     = "mode"
)

// FillMissing handles missing cells in Columns (all columns when empty).
type FillMissing struct {
	Strategy string   `json:"strategy"`
	Value    any      `json:"value,omitempty"`
	Columns  []string `json:"columns,omitempty"`
}

// RemoveDuplicates drops rows that repeat on Columns (all columns when
// empty). Keep is "first", "last" or "none".
type RemoveDuplicates struct {
	Columns []string `json:"columns,omitempty"`
	Keep    string   `json:"keep,omitempty"`
}

// Update operations.
const (
	UpdateReplace = "replace"
	UpdateMap     = "map"
	UpdateApply   = "apply"
	UpdateFillNA  = "fillna"
)

// UpdateColumn rewrites every cell of a column. Replace uses Pattern and
// Replacement (regular expression), Map uses Mapping keyed by the cell text,
// Apply evaluates Expression with x bound to the cell, FillNA sets missing
// cells to Value.
type UpdateColumn struct {
	Column      string         `json:"column"`
	Operation   string         `json:"operation"`
	Pattern     string         `json:"pattern,omitempty"`
	Replacement string         `json:"replacement,omitempty"`
	Mapping     map[string]any `json:"mapping,omitempty"`
	Expression  string         `json:"expression,omitempty"`
	Value       any            `json:"value,omitempty"`
}

type SetCell struct {
	Row    int    `json:"row"`
	Column string `json:"column"`
	Value  any    `json:"value"`
}

// InsertRow inserts before Index. A negative or past-the-end Index appends.
type InsertRow struct {
	Index  int            `json:"index"`
	Values map[string]any `json:"values"`
}

type DeleteRow struct {
	Index int `json:"index"`
}

// UpdateRow sets several cells of one row in a single operation.
type UpdateRow struct {
	Row    int            `json:"row"`
	Values map[string]any `json:"values"`
}

// ReplaceText replaces Pattern with Replacement in the text of every cell.
// Pattern is a regular expression unless Literal is set.
type ReplaceText struct {
	Column      string `json:"column"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Literal     bool   `json:"literal,omitempty"`
}

// Strip trims Chars, or whitespace when Chars is empty, from both ends of
// every cell.
type Strip struct {
	Column string `json:"column"`
	Chars  string `json:"chars,omitempty"`
}

// Case transforms.
const (
	CaseUpper      = "upper"
	CaseLower      = "lower"
	CaseTitle      = "title"
	CaseCapitalize = "capitalize"
)

type ChangeCase struct {
	Column    string `json:"column"`
	Transform string `json:"transform"`
}

// Split splits every cell on Delimiter. It keeps part Part (negative
// counts from the end) or, with Expand, replaces the column by one column
// per part named column_0, column_1, ...
type Split struct {
	Column    string `json:"column"`
	Delimiter string `json:"delimiter"`
	Part      int    `json:"part,omitempty"`
	Expand    bool   `json:"expand,omitempty"`
}

// Extract keeps the first capture group of Pattern (the whole match when it
// has none). With Expand every group becomes a column column_0, column_1, ...
// Cells that do not match become missing.
type Extract struct {
	Column  string `json:"column"`
	Pattern string `json:"pattern"`
	Expand  bool   `json:"expand,omitempty"`
}

func (Filter) Kind() Kind           { return KindFilter }
func (Sort) Kind() Kind             { return KindSort }
func (SelectColumns) Kind() Kind    { return KindSelectColumns }
func (RenameColumns) Kind() Kind    { return KindRenameColumns }
func (AddColumn) Kind() Kind        { return KindAddColumn }
func (RemoveColumns) Kind() Kind    { return KindRemoveColumns }
func (ChangeType) Kind() Kind       { return KindChangeType }
func (FillMissing) Kind() Kind      { return KindFillMissing }
func (RemoveDuplicates) Kind() Kind { return KindRemoveDuplicates }
func (UpdateColumn) Kind() Kind     { return KindUpdateColumn }
func (SetCell) Kind() Kind          { return KindSetCell }
func (InsertRow) Kind() Kind        { return KindInsertRow }
func (DeleteRow) Kind() Kind        { return KindDeleteRow }
func (UpdateRow) Kind() Kind        { return KindUpdateRow }
func (ReplaceText) Kind() Kind      { return KindReplaceText }
func (Strip) Kind() Kind            { return KindStrip }
func (ChangeCase) Kind() Kind       { return KindChangeCase }
func (Split) Kind() Kind            { return KindSplit }
func (Extract) Kind() Kind          { return KindExtract }

func (Filter) sealed()           {}
func (Sort) sealed()             {}
func (SelectColumns) sealed()    {}
func (RenameColumns) sealed()    {}
func (AddColumn) sealed()        {}
func (RemoveColumns) sealed()    {}
func (ChangeType) sealed()       {}
func (FillMissing) sealed()      {}
func (RemoveDuplicates) sealed() {}
func (UpdateColumn) sealed()     {}
func (SetCell) sealed()          {}
func (InsertRow) sealed()        {}
func (DeleteRow) sealed()        {}
func (UpdateRow) sealed()        {}
func (ReplaceText) sealed()      {}
func (Strip) sealed()            {}
func (ChangeCase) sealed()       {}
func (Split) sealed()            {}
func (Extract) sealed()          {}
