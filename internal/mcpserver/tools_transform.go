package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobert/csvedit-mcp/internal/apperr"
	"github.com/tobert/csvedit-mcp/internal/autosave"
	"github.com/tobert/csvedit-mcp/internal/session"
	"github.com/tobert/csvedit-mcp/internal/table"
)

// OperationData is the data of every tool that changes the active dataset.
type OperationData struct {
	OperationID int64            `json:"operation_id"`
	Kind        table.Kind       `json:"kind"`
	Summary     table.Summary    `json:"summary"`
	Rows        int              `json:"rows"`
	Columns     int              `json:"columns"`
	CanUndo     bool             `json:"can_undo"`
	CanRedo     bool             `json:"can_redo"`
	Saved       *autosave.Result `json:"saved,omitempty"`
}

func operationData(res *session.Result) OperationData {
	return OperationData{
		OperationID: res.Operation.OperationID,
		Kind:        res.Operation.Kind,
		Summary:     res.Summary,
		Rows:        res.Rows,
		Columns:     res.Columns,
		CanUndo:     res.CanUndo,
		CanRedo:     res.CanRedo,
		Saved:       res.Save,
	}
}

// apply is the shared body of the transform tools.
func (s *Server) apply(ctx context.Context, tool, sessionID string, op table.Op) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(sessionID)
	if err != nil {
		return s.reply(tool, start, Envelope{Metadata: meta}, err)
	}
	res, err := sess.Apply(ctx, op)
	if err != nil {
		return s.reply(tool, start, Envelope{Metadata: meta}, err)
	}
	s.notifyChanged(ctx, sess.ID())

	sum := res.Summary
	meta["operation_id"] = res.Operation.OperationID
	return s.reply(tool, start, Envelope{
		Data:     operationData(res),
		Message:  fmt.Sprintf("%s: %d rows affected, %d -> %d rows", op.Kind(), sum.RowsAffected, sum.RowsBefore, sum.RowsAfter),
		Warnings: res.Warnings,
		Metadata: meta,
	}, nil)
}

// Tool: filter_rows

type FilterRowsInput struct {
	SessionID  string            `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Conditions []table.Condition `json:"conditions,omitempty" jsonschema:"Column predicates, e.g. {column: 'age', operator: '>', value: 30}"`
	Mode       string            `json:"mode,omitempty" jsonschema:"How conditions combine: and (default) or or"`
	Expression string            `json:"expression,omitempty" jsonschema:"Boolean expression over column names, ANDed with the conditions"`
}

func (s *Server) handleFilterRows(ctx context.Context, req *mcp.CallToolRequest, input FilterRowsInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "filter_rows", input.SessionID, table.Filter{
		Conditions: input.Conditions,
		Mode:       input.Mode,
		Expression: input.Expression,
	})
}

// Tool: sort_data

type SortDataInput struct {
	SessionID string          `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Columns   []table.SortKey `json:"columns" jsonschema:"Sort keys in priority order, e.g. [{column: 'age', descending: true}]"`
}

func (s *Server) handleSortData(ctx context.Context, req *mcp.CallToolRequest, input SortDataInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "sort_data", input.SessionID, table.Sort{Keys: input.Columns})
}

// Tool: select_columns

type ColumnsInput struct {
	SessionID string   `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Columns   []string `json:"columns" jsonschema:"Column names"`
}

func (s *Server) handleSelectColumns(ctx context.Context, req *mcp.CallToolRequest, input ColumnsInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "select_columns", input.SessionID, table.SelectColumns{Columns: input.Columns})
}

// Tool: rename_columns

type RenameColumnsInput struct {
	SessionID string            `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Mapping   map[string]string `json:"mapping" jsonschema:"Old name to new name"`
}

func (s *Server) handleRenameColumns(ctx context.Context, req *mcp.CallToolRequest, input RenameColumnsInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "rename_columns", input.SessionID, table.RenameColumns{Mapping: input.Mapping})
}

// Tool: add_column

type AddColumnInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Name      string `json:"name" jsonschema:"New column name"`
	Value     any    `json:"value,omitempty" jsonschema:"Constant for every row"`
	Formula   string `json:"formula,omitempty" jsonschema:"Expression over column names, e.g. 'price * quantity'"`
}

func (s *Server) handleAddColumn(ctx context.Context, req *mcp.CallToolRequest, input AddColumnInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "add_column", input.SessionID, table.AddColumn{
		Name:    input.Name,
		Value:   input.Value,
		Formula: input.Formula,
	})
}

// Tool: remove_columns

func (s *Server) handleRemoveColumns(ctx context.Context, req *mcp.CallToolRequest, input ColumnsInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "remove_columns", input.SessionID, table.RemoveColumns{Columns: input.Columns})
}

// Tool: change_column_type

type ChangeColumnTypeInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Column    string `json:"column" jsonschema:"Column to convert"`
	DType     string `json:"dtype" jsonschema:"string, integer, float, boolean or datetime"`
	Coerce    bool   `json:"coerce,omitempty" jsonschema:"Turn unconvertible cells into missing values instead of failing"`
}

// typeAliases accepts the names clients commonly use for column types.
var typeAliases = map[string]table.Type{
	"str":       table.TypeString,
	"text":      table.TypeString,
	"int":       table.TypeInteger,
	"int64":     table.TypeInteger,
	"double":    table.TypeFloat,
	"float64":   table.TypeFloat,
	"number":    table.TypeFloat,
	"bool":      table.TypeBoolean,
	"date":      table.TypeDatetime,
	"timestamp": table.TypeDatetime,
}

func parseType(s string) table.Type {
	name := strings.ToLower(strings.TrimSpace(s))
	if t, ok := typeAliases[name]; ok {
		return t
	}
	return table.Type(name)
}

func (s *Server) handleChangeColumnType(ctx context.Context, req *mcp.CallToolRequest, input ChangeColumnTypeInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "change_column_type", input.SessionID, table.ChangeType{
		Column: input.Column,
		Type:   parseType(input.DType),
		Coerce: input.Coerce,
	})
}

// Tool: fill_missing_values

type FillMissingValuesInput struct {
	SessionID string   `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Strategy  string   `json:"strategy,omitempty" jsonschema:"drop (default), fill, forward, backward, mean, median or mode"`
	Value     any      `json:"value,omitempty" jsonschema:"Fill value for the fill strategy"`
	Columns   []string `json:"columns,omitempty" jsonschema:"Columns to handle; all columns when omitted"`
}

func (s *Server) handleFillMissingValues(ctx context.Context, req *mcp.CallToolRequest, input FillMissingValuesInput) (*mcp.CallToolResult, Envelope, error) {
	strategy := input.Strategy
	if strategy == "" {
		strategy = table.FillDrop
	}
	return s.apply(ctx, "fill_missing_values", input.SessionID, table.FillMissing{
		Strategy: strategy,
		Value:    input.Value,
		Columns:  input.Columns,
	})
}

// Tool: remove_duplicates

type RemoveDuplicatesInput struct {
	SessionID string   `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Columns   []string `json:"columns,omitempty" jsonschema:"Columns that define a duplicate; all columns when omitted"`
	Keep      string   `json:"keep,omitempty" jsonschema:"first (default), last or none"`
}

func (s *Server) handleRemoveDuplicates(ctx context.Context, req *mcp.CallToolRequest, input RemoveDuplicatesInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "remove_duplicates", input.SessionID, table.RemoveDuplicates{
		Columns: input.Columns,
		Keep:    input.Keep,
	})
}

// Tool: update_column

type UpdateColumnInput struct {
	SessionID   string         `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Column      string         `json:"column" jsonschema:"Column to rewrite"`
	Operation   string         `json:"operation" jsonschema:"replace, map, apply or fillna"`
	Pattern     string         `json:"pattern,omitempty" jsonschema:"Regular expression for replace"`
	Replacement string         `json:"replacement,omitempty" jsonschema:"Replacement for replace; $1 refers to groups"`
	Mapping     map[string]any `json:"mapping,omitempty" jsonschema:"Cell text to new value for map; unmapped cells are kept"`
	Expression  string         `json:"expression,omitempty" jsonschema:"Expression for apply with x bound to the cell, e.g. 'x * 2'"`
	Value       any            `json:"value,omitempty" jsonschema:"Fill value for fillna"`
}

func (s *Server) handleUpdateColumn(ctx context.Context, req *mcp.CallToolRequest, input UpdateColumnInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "update_column", input.SessionID, table.UpdateColumn{
		Column:      input.Column,
		Operation:   input.Operation,
		Pattern:     input.Pattern,
		Replacement: input.Replacement,
		Mapping:     input.Mapping,
		Expression:  input.Expression,
		Value:       input.Value,
	})
}

// Tool: set_cell_value

type SetCellValueInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	RowIndex  int    `json:"row_index" jsonschema:"0-based row index"`
	Column    string `json:"column" jsonschema:"Column name"`
	Value     any    `json:"value,omitempty" jsonschema:"New value; null or omitted makes the cell missing"`
}

func (s *Server) handleSetCellValue(ctx context.Context, req *mcp.CallToolRequest, input SetCellValueInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "set_cell_value", input.SessionID, table.SetCell{
		Row:    input.RowIndex,
		Column: input.Column,
		Value:  input.Value,
	})
}

// Tool: insert_row

type InsertRowInput struct {
	SessionID string         `json:"session_id" jsonschema:"Session id returned by load_csv"`
	RowIndex  *int           `json:"row_index,omitempty" jsonschema:"Insert before this 0-based index; -1 or omitted appends"`
	Data      map[string]any `json:"data" jsonschema:"Column name to value"`
}

func (s *Server) handleInsertRow(ctx context.Context, req *mcp.CallToolRequest, input InsertRowInput) (*mcp.CallToolResult, Envelope, error) {
	index := -1
	if input.RowIndex != nil {
		index = *input.RowIndex
	}
	return s.apply(ctx, "insert_row", input.SessionID, table.InsertRow{Index: index, Values: input.Data})
}

// Tool: delete_row

type DeleteRowInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	RowIndex  int    `json:"row_index" jsonschema:"0-based row index"`
}

func (s *Server) handleDeleteRow(ctx context.Context, req *mcp.CallToolRequest, input DeleteRowInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "delete_row", input.SessionID, table.DeleteRow{Index: input.RowIndex})
}

// Tool: validate_schema

type ValidateSchemaInput struct {
	SessionID string         `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Schema    map[string]any `json:"schema" jsonschema:"JSON Schema each row object must satisfy"`
}

func (s *Server) handleValidateSchema(ctx context.Context, req *mcp.CallToolRequest, input ValidateSchemaInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("validate_schema", start, Envelope{Metadata: meta}, err)
	}
	if len(input.Schema) == 0 {
		return s.reply("validate_schema", start, Envelope{Metadata: meta}, apperr.ErrInvalidOperation.WithDetails("schema is required"))
	}
	raw, err := json.Marshal(input.Schema)
	if err != nil {
		return s.reply("validate_schema", start, Envelope{Metadata: meta}, apperr.ErrInvalidOperation.WithCause(err))
	}

	report, err := table.ValidateRows(sess.Dataset(), string(raw))
	if err != nil {
		return s.reply("validate_schema", start, Envelope{Metadata: meta}, apperr.ErrInvalidOperation.WithCause(err))
	}

	msg := fmt.Sprintf("All %d rows are valid", report.RowsChecked)
	if !report.Valid {
		msg = fmt.Sprintf("%d of %d rows are invalid", report.InvalidRows, report.RowsChecked)
	}
	return s.reply("validate_schema", start, Envelope{Data: report, Message: msg, Metadata: meta}, nil)
}
