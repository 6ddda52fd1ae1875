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
	"github.com/tobert/csvedit-mcp/internal/table"
)

// Data access and analytics tools read the session's current dataset
// without taking its lock and are never recorded in history.

// Tool: load_csv_from_url

type LoadCSVFromURLInput struct {
	URL       string `json:"url" jsonschema:"http or https URL of a UTF-8 CSV document"`
	Delimiter string `json:"delimiter,omitempty" jsonschema:"Field delimiter (default comma)"`
	NoHeader  bool   `json:"no_header,omitempty" jsonschema:"The first line is data"`
	MaxRows   int    `json:"max_rows,omitempty" jsonschema:"Stop after this many data rows (0 loads everything)"`
}

func (s *Server) handleLoadCSVFromURL(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input LoadCSVFromURLInput,
) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	if strings.TrimSpace(input.URL) == "" {
		return s.reply("load_csv_from_url", start, Envelope{}, apperr.ErrInvalidOperation.WithDetails("url is required"))
	}

	sess, err := s.registry.Create(ctx, table.Source{
		URL:       input.URL,
		Delimiter: input.Delimiter,
		NoHeader:  input.NoHeader,
		MaxRows:   input.MaxRows,
	})
	if err != nil {
		return s.reply("load_csv_from_url", start, Envelope{}, err)
	}

	view := viewOf(sess)
	return s.reply("load_csv_from_url", start, Envelope{
		Data:     view,
		Message:  fmt.Sprintf("Loaded %d rows x %d columns from %s", view.Rows, view.Columns, view.Source),
		Metadata: map[string]any{"session_id": sess.ID()},
	}, nil)
}

// Tool: get_server_info

type ServerInfoInput struct{}

func (s *Server) handleGetServerInfo(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ServerInfoInput,
) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	cfg := s.registry.Config()
	return s.reply("get_server_info", start, Envelope{
		Data: map[string]any{
			"name":        "csvedit-mcp",
			"version":     s.version,
			"description": "CSV editing sessions with undo/redo, history and auto-save",
			"capabilities": map[string]any{
				"tools":                s.Tools(),
				"resources":            resourceURIs,
				"operations":           table.Kinds,
				"formats":              []table.Format{table.FormatCSV, table.FormatTSV, table.FormatJSON, table.FormatMarkdown},
				"auto_save_modes":      []autosave.Mode{autosave.ModeDisabled, autosave.ModeAfterOperation, autosave.ModePeriodic, autosave.ModeHybrid},
				"auto_save_strategies": []autosave.Strategy{autosave.StrategyOverwrite, autosave.StrategyBackup, autosave.StrategyVersioned, autosave.StrategyCustom},
			},
			"limits": map[string]any{
				"max_sessions":       cfg.MaxSessions,
				"session_ttl":        cfg.TTL.String(),
				"history_window":     cfg.HistoryWindow,
				"max_download_bytes": table.MaxDownloadBytes,
			},
		},
	}, nil)
}

// Tool: get_cell_value

type GetCellValueInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	RowIndex  int    `json:"row_index" jsonschema:"0-based row index"`
	Column    any    `json:"column" jsonschema:"Column name, or 0-based column index"`
}

// columnName resolves a column given by name or by 0-based index.
func columnName(ds *table.Dataset, column any) (string, error) {
	switch c := column.(type) {
	case string:
		if ds.ColumnIndex(c) < 0 {
			return "", apperr.ErrInvalidOperation.WithCause(fmt.Errorf("%w: %q", table.ErrColumnNotFound, c))
		}
		return c, nil
	case float64:
		j := int(c)
		if float64(j) != c || j < 0 || j >= ds.NumColumns() {
			return "", apperr.ErrInvalidOperation.WithDetails("column index %v out of range [0, %d)", c, ds.NumColumns())
		}
		return ds.Columns()[j].Name, nil
	case int:
		return columnName(ds, float64(c))
	}
	return "", apperr.ErrInvalidOperation.WithDetails("column must be a name or an index")
}

func checkRow(ds *table.Dataset, row int) error {
	if row < 0 || row >= ds.NumRows() {
		return apperr.ErrInvalidOperation.WithCause(fmt.Errorf("%w: %d not in [0, %d)", table.ErrRowOutOfRange, row, ds.NumRows()))
	}
	return nil
}

func (s *Server) handleGetCellValue(ctx context.Context, req *mcp.CallToolRequest, input GetCellValueInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("get_cell_value", start, Envelope{Metadata: meta}, err)
	}
	ds := sess.Dataset()
	name, err := columnName(ds, input.Column)
	if err == nil {
		err = checkRow(ds, input.RowIndex)
	}
	if err != nil {
		return s.reply("get_cell_value", start, Envelope{Metadata: meta}, err)
	}
	value, err := ds.Cell(input.RowIndex, name)
	if err != nil {
		return s.reply("get_cell_value", start, Envelope{Metadata: meta}, apperr.ErrInvalidOperation.WithCause(err))
	}
	return s.reply("get_cell_value", start, Envelope{
		Data: map[string]any{
			"value":     value,
			"row_index": input.RowIndex,
			"column":    name,
			"type":      ds.Columns()[ds.ColumnIndex(name)].Type,
			"missing":   value == nil,
		},
		Metadata: meta,
	}, nil)
}

// Tool: get_row_data

type GetRowDataInput struct {
	SessionID string   `json:"session_id" jsonschema:"Session id returned by load_csv"`
	RowIndex  int      `json:"row_index" jsonschema:"0-based row index"`
	Columns   []string `json:"columns,omitempty" jsonschema:"Columns to return; all columns when omitted"`
}

func (s *Server) handleGetRowData(ctx context.Context, req *mcp.CallToolRequest, input GetRowDataInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("get_row_data", start, Envelope{Metadata: meta}, err)
	}
	ds := sess.Dataset()
	if err := checkRow(ds, input.RowIndex); err != nil {
		return s.reply("get_row_data", start, Envelope{Metadata: meta}, err)
	}

	record := ds.Record(input.RowIndex)
	if len(input.Columns) > 0 {
		picked := make(map[string]any, len(input.Columns))
		for _, c := range input.Columns {
			v, ok := record[c]
			if !ok {
				return s.reply("get_row_data", start, Envelope{Metadata: meta},
					apperr.ErrInvalidOperation.WithCause(fmt.Errorf("%w: %q", table.ErrColumnNotFound, c)))
			}
			picked[c] = v
		}
		record = picked
	}
	return s.reply("get_row_data", start, Envelope{
		Data:     map[string]any{"row_index": input.RowIndex, "values": record},
		Metadata: meta,
	}, nil)
}

// Tool: get_column_data

type GetColumnDataInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Column    string `json:"column" jsonschema:"Column name"`
	StartRow  int    `json:"start_row,omitempty" jsonschema:"First 0-based row (default 0)"`
	EndRow    *int   `json:"end_row,omitempty" jsonschema:"Exclusive end row; the end of the dataset when omitted"`
}

func (s *Server) handleGetColumnData(ctx context.Context, req *mcp.CallToolRequest, input GetColumnDataInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("get_column_data", start, Envelope{Metadata: meta}, err)
	}
	ds := sess.Dataset()
	name, err := columnName(ds, input.Column)
	if err != nil {
		return s.reply("get_column_data", start, Envelope{Metadata: meta}, err)
	}
	end := ds.NumRows()
	if input.EndRow != nil {
		end = *input.EndRow
	}
	if input.StartRow < 0 || end < input.StartRow || end > ds.NumRows() {
		return s.reply("get_column_data", start, Envelope{Metadata: meta}, apperr.ErrInvalidOperation.WithCause(
			fmt.Errorf("%w: [%d, %d) not within [0, %d]", table.ErrRowOutOfRange, input.StartRow, end, ds.NumRows())))
	}

	values := make([]any, 0, end-input.StartRow)
	for i := input.StartRow; i < end; i++ {
		v, _ := ds.Cell(i, name)
		values = append(values, v)
	}
	return s.reply("get_column_data", start, Envelope{
		Data: map[string]any{
			"column":    name,
			"type":      ds.Columns()[ds.ColumnIndex(name)].Type,
			"start_row": input.StartRow,
			"end_row":   end,
			"values":    values,
		},
		Metadata: meta,
	}, nil)
}

// Tool: get_statistics

type GetStatisticsInput struct {
	SessionID   string   `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Columns     []string `json:"columns,omitempty" jsonschema:"Columns to summarize; every numeric column when omitted"`
	Percentiles *bool    `json:"include_percentiles,omitempty" jsonschema:"Include quartiles and IQR (default true)"`
}

func (s *Server) handleGetStatistics(ctx context.Context, req *mcp.CallToolRequest, input GetStatisticsInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("get_statistics", start, Envelope{Metadata: meta}, err)
	}
	percentiles := input.Percentiles == nil || *input.Percentiles
	stats, err := table.Statistics(sess.Dataset(), input.Columns, percentiles)
	if err != nil {
		return s.reply("get_statistics", start, Envelope{Metadata: meta}, apperr.ErrInvalidOperation.WithCause(err))
	}
	return s.reply("get_statistics", start, Envelope{
		Data:     map[string]any{"statistics": stats, "columns_analyzed": len(stats)},
		Message:  fmt.Sprintf("Summarized %d numeric columns", len(stats)),
		Metadata: meta,
	}, nil)
}

// Tool: get_column_statistics

type ColumnInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Column    string `json:"column" jsonschema:"Column name"`
}

func (s *Server) handleGetColumnStatistics(ctx context.Context, req *mcp.CallToolRequest, input ColumnInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("get_column_statistics", start, Envelope{Metadata: meta}, err)
	}
	stats, err := table.DescribeColumn(sess.Dataset(), input.Column)
	if err != nil {
		return s.reply("get_column_statistics", start, Envelope{Metadata: meta}, apperr.ErrInvalidOperation.WithCause(err))
	}
	return s.reply("get_column_statistics", start, Envelope{Data: stats, Metadata: meta}, nil)
}

// Tool: get_value_counts

type GetValueCountsInput struct {
	SessionID   string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Column      string `json:"column" jsonschema:"Column name"`
	Ascending   bool   `json:"ascending,omitempty" jsonschema:"Least frequent first"`
	TopN        int    `json:"top_n,omitempty" jsonschema:"Keep only this many values (0 keeps all)"`
	DropMissing bool   `json:"drop_missing,omitempty" jsonschema:"Leave missing cells out of the counts"`
}

func (s *Server) handleGetValueCounts(ctx context.Context, req *mcp.CallToolRequest, input GetValueCountsInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("get_value_counts", start, Envelope{Metadata: meta}, err)
	}
	if input.TopN < 0 {
		return s.reply("get_value_counts", start, Envelope{Metadata: meta}, apperr.ErrInvalidOperation.WithDetails("top_n must not be negative"))
	}
	ds := sess.Dataset()
	counts, err := table.ValueCounts(ds, input.Column, table.ValueCountOptions{
		Ascending:   input.Ascending,
		TopN:        input.TopN,
		DropMissing: input.DropMissing,
	})
	if err != nil {
		return s.reply("get_value_counts", start, Envelope{Metadata: meta}, apperr.ErrInvalidOperation.WithCause(err))
	}
	return s.reply("get_value_counts", start, Envelope{
		Data: map[string]any{
			"column":      input.Column,
			"counts":      counts,
			"total_count": ds.NumRows(),
			"null_count":  ds.NullCounts()[input.Column],
		},
		Metadata: meta,
	}, nil)
}

// Tool: profile_data

func (s *Server) handleProfileData(ctx context.Context, req *mcp.CallToolRequest, input SessionInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("profile_data", start, Envelope{Metadata: meta}, err)
	}
	profile := table.ProfileData(sess.Dataset())
	return s.reply("profile_data", start, Envelope{
		Data:     profile,
		Message:  fmt.Sprintf("%d rows x %d columns, %d duplicate rows", profile.Rows, profile.Columns, profile.DuplicateRows),
		Metadata: meta,
	}, nil)
}

// Tool: update_row

type UpdateRowInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	RowIndex  int    `json:"row_index" jsonschema:"0-based row index"`
	Data      any    `json:"data" jsonschema:"Column name to new value, as an object or a JSON object string"`
}

// rowValues accepts an object or a JSON string holding one.
func rowValues(data any) (map[string]any, error) {
	switch d := data.(type) {
	case map[string]any:
		return d, nil
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(d), &m); err != nil {
			return nil, apperr.ErrInvalidOperation.WithCause(fmt.Errorf("data is not a JSON object: %w", err))
		}
		return m, nil
	}
	return nil, apperr.ErrInvalidOperation.WithDetails("data must be an object of column name to value")
}

func (s *Server) handleUpdateRow(ctx context.Context, req *mcp.CallToolRequest, input UpdateRowInput) (*mcp.CallToolResult, Envelope, error) {
	values, err := rowValues(input.Data)
	if err != nil {
		return s.reply("update_row", time.Now(), Envelope{Metadata: map[string]any{"session_id": input.SessionID}}, err)
	}
	return s.apply(ctx, "update_row", input.SessionID, table.UpdateRow{Row: input.RowIndex, Values: values})
}

// Tool: replace_in_column

type ReplaceInColumnInput struct {
	SessionID   string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Column      string `json:"column" jsonschema:"Column to rewrite"`
	Pattern     string `json:"pattern" jsonschema:"Text or regular expression to find"`
	Replacement string `json:"replacement,omitempty" jsonschema:"Replacement text; $1 refers to regex groups"`
	Regex       *bool  `json:"regex,omitempty" jsonschema:"Treat pattern as a regular expression (default true)"`
}

func (s *Server) handleReplaceInColumn(ctx context.Context, req *mcp.CallToolRequest, input ReplaceInColumnInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "replace_in_column", input.SessionID, table.ReplaceText{
		Column:      input.Column,
		Pattern:     input.Pattern,
		Replacement: input.Replacement,
		Literal:     input.Regex != nil && !*input.Regex,
	})
}

// Tool: strip_column

type StripColumnInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Column    string `json:"column" jsonschema:"Column to strip"`
	Chars     string `json:"chars,omitempty" jsonschema:"Characters to strip from both ends; whitespace when omitted"`
}

func (s *Server) handleStripColumn(ctx context.Context, req *mcp.CallToolRequest, input StripColumnInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "strip_column", input.SessionID, table.Strip{Column: input.Column, Chars: input.Chars})
}

// Tool: transform_column_case

type TransformColumnCaseInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Column    string `json:"column" jsonschema:"Column to transform"`
	Transform string `json:"transform" jsonschema:"upper, lower, title or capitalize"`
}

func (s *Server) handleTransformColumnCase(ctx context.Context, req *mcp.CallToolRequest, input TransformColumnCaseInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "transform_column_case", input.SessionID, table.ChangeCase{Column: input.Column, Transform: input.Transform})
}

// Tool: split_column

type SplitColumnInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Column    string `json:"column" jsonschema:"Column to split"`
	Delimiter string `json:"delimiter,omitempty" jsonschema:"Separator (default a single space)"`
	PartIndex int    `json:"part_index,omitempty" jsonschema:"Part to keep, 0-based; negative counts from the end"`
	Expand    bool   `json:"expand_to_columns,omitempty" jsonschema:"Replace the column with one column per part, named column_0, column_1, ..."`
}

func (s *Server) handleSplitColumn(ctx context.Context, req *mcp.CallToolRequest, input SplitColumnInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "split_column", input.SessionID, table.Split{
		Column:    input.Column,
		Delimiter: input.Delimiter,
		Part:      input.PartIndex,
		Expand:    input.Expand,
	})
}

// Tool: extract_from_column

type ExtractFromColumnInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Column    string `json:"column" jsonschema:"Column to extract from"`
	Pattern   string `json:"pattern" jsonschema:"Regular expression; the first group is kept, or the whole match without groups"`
	Expand    bool   `json:"expand,omitempty" jsonschema:"Replace the column with one column per capture group"`
}

func (s *Server) handleExtractFromColumn(ctx context.Context, req *mcp.CallToolRequest, input ExtractFromColumnInput) (*mcp.CallToolResult, Envelope, error) {
	return s.apply(ctx, "extract_from_column", input.SessionID, table.Extract{
		Column:  input.Column,
		Pattern: input.Pattern,
		Expand:  input.Expand,
	})
}
