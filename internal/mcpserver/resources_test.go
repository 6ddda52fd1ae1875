package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readReq(uri string) *mcp.ReadResourceRequest {
	return &mcp.ReadResourceRequest{
		Params: &mcp.ReadResourceParams{URI: uri},
	}
}

func readJSON(t *testing.T, result *mcp.ReadResourceResult) map[string]any {
	t.Helper()
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "application/json", result.Contents[0].MIMEType)
	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Contents[0].Text), &data))
	return data
}

func TestSessionsResource(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	result, err := srv.handleSessionsResource(ctx, readReq("csv://sessions"))
	require.NoError(t, err)
	assert.Contains(t, result.Contents[0].Text, "(none)")

	id := loadPeople(t, srv)
	result, err = srv.handleSessionsResource(ctx, readReq("csv://sessions"))
	require.NoError(t, err)
	text := result.Contents[0].Text
	assert.Contains(t, text, "Sessions (1 of 100, 1%)")
	assert.Contains(t, text, id)
	assert.Contains(t, text, "people.csv")
}

func TestActivityResource(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	id := loadPeople(t, srv)
	_, env, _ := srv.handleDeleteRow(ctx, nil, DeleteRowInput{SessionID: id, RowIndex: 0})
	require.True(t, env.Success)

	result, err := srv.handleActivityResource(ctx, readReq("csv://activity"))
	require.NoError(t, err)
	text := result.Contents[0].Text
	assert.Contains(t, text, "session_created")
	assert.Contains(t, text, "delete_row")
	assert.Contains(t, text, "Operations: 1")
}

func TestPreviewResource(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	id := loadPeople(t, srv)

	result, err := srv.handlePreviewResource(ctx, readReq("csv://"+id+"/preview"))
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "text/markdown", result.Contents[0].MIMEType)
	text := result.Contents[0].Text
	assert.Contains(t, text, "9 rows x 3 columns")
	assert.Contains(t, text, "| name | age | score |")
	assert.Contains(t, text, "| bob |  | 90 |")
	assert.NotContains(t, text, "showing the first")
}

func TestSchemaAndHistoryResources(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	id := loadPeople(t, srv)
	_, env, _ := srv.handleRemoveColumns(ctx, nil, ColumnsInput{SessionID: id, Columns: []string{"score"}})
	require.True(t, env.Success)

	result, err := srv.handleSchemaResource(ctx, readReq("csv://"+id+"/schema"))
	require.NoError(t, err)
	schema := readJSON(t, result)
	cols := schema["columns"].([]any)
	require.Len(t, cols, 2)
	age := cols[1].(map[string]any)
	assert.Equal(t, "age", age["name"])
	assert.Equal(t, "integer", age["type"])
	assert.EqualValues(t, 2, age["nulls"])

	result, err = srv.handleHistoryResource(ctx, readReq("csv://"+id+"/history"))
	require.NoError(t, err)
	hist := readJSON(t, result)
	page := hist["history"].(map[string]any)
	assert.EqualValues(t, 1, page["total"])
	assert.EqualValues(t, 1, page["cursor"])
	entry := page["entries"].([]any)[0].(map[string]any)
	assert.Equal(t, "remove_columns", entry["kind"])
	assert.Equal(t, true, entry["is_current"])
}

func TestSessionResourceNotFound(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	for _, uri := range []string{"csv://nope/preview", "csv:///preview", "csv://a/b/preview"} {
		_, err := srv.handlePreviewResource(ctx, readReq(uri))
		assert.Error(t, err, uri)
	}
	_, err := srv.handleSchemaResource(ctx, readReq("csv://nope/schema"))
	assert.Error(t, err)
	_, err = srv.handleHistoryResource(ctx, readReq("csv://nope/history"))
	assert.Error(t, err)
}

func TestDataRowAndCellResources(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	id := loadPeople(t, srv)

	result, err := srv.handleDataResource(ctx, readReq("csv://"+id+"/data"))
	require.NoError(t, err)
	data := readJSON(t, result)
	assert.Equal(t, []any{"name", "age", "score"}, data["columns"])
	rows := data["rows"].([]any)
	require.Len(t, rows, 9)
	assert.Equal(t, "ivan", rows[8].(map[string]any)["name"])

	result, err = srv.handleRowResource(ctx, readReq("csv://"+id+"/row/2"))
	require.NoError(t, err)
	row := readJSON(t, result)
	assert.EqualValues(t, 2, row["row_index"])
	values := row["values"].(map[string]any)
	assert.Equal(t, "carol", values["name"])
	assert.EqualValues(t, 25, values["age"])
	assert.Nil(t, values["score"])

	result, err = srv.handleCellResource(ctx, readReq("csv://"+id+"/cell/0/name"))
	require.NoError(t, err)
	assert.Equal(t, "alice", readJSON(t, result)["value"])

	result, err = srv.handleCellResource(ctx, readReq("csv://"+id+"/cell/3/%61ge"))
	require.NoError(t, err)
	cell := readJSON(t, result)
	assert.Equal(t, "age", cell["column"])
	assert.EqualValues(t, 40, cell["value"])

	for _, uri := range []string{
		"csv://" + id + "/row/9",
		"csv://" + id + "/row/-1",
		"csv://" + id + "/row/x",
		"csv://" + id + "/row/1/2",
		"csv://" + id + "/cell/0",
		"csv://" + id + "/cell/0/height",
		"csv://nope/row/0",
	} {
		_, err := srv.handleRowResource(ctx, readReq(uri))
		assert.Error(t, err, uri)
		_, err = srv.handleCellResource(ctx, readReq(uri))
		assert.Error(t, err, uri)
	}
	_, err = srv.handleDataResource(ctx, readReq("csv://nope/data"))
	assert.Error(t, err)
}

func TestExtractURIParam(t *testing.T) {
	tests := []struct {
		uri, prefix, want string
		err               bool
	}{
		{"csv://abc-123", "csv://", "abc-123", false},
		{"csv://url%20encoded", "csv://", "url encoded", false},
		{"csv://", "csv://", "", true},
		{"otlp://wrong", "csv://", "", true},
	}
	for _, tt := range tests {
		got, err := extractURIParam(tt.uri, tt.prefix)
		if tt.err {
			assert.Error(t, err, tt.uri)
		} else {
			assert.NoError(t, err, tt.uri)
		}
		assert.Equal(t, tt.want, got, tt.uri)
	}
}

func TestFmtNum(t *testing.T) {
	assert.Equal(t, "0", fmtNum(0))
	assert.Equal(t, "999", fmtNum(999))
	assert.Equal(t, "10,000", fmtNum(10000))
	assert.Equal(t, "-1,234,567", fmtNum(-1234567))
	assert.Equal(t, "50%", fmtPct(1, 2))
	assert.Equal(t, "─", fmtPct(1, 0))
}
