package table

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MaxDownloadBytes caps the body read when loading from a URL.
const MaxDownloadBytes = 100 << 20

var httpClient = &http.Client{Timeout: 60 * time.Second}

// Format is a serialization format.
type Format string

const (
	FormatCSV      Format = "csv"
	FormatTSV      Format = "tsv"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat validates a format name. Empty means csv.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatTSV, FormatJSON, FormatMarkdown:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("unsupported format %q", s)
}

// Ext returns the file extension used for f, without the dot.
func (f Format) Ext() string {
	if f == FormatMarkdown {
		return "md"
	}
	return string(f)
}

// Source describes where a dataset is loaded from. Exactly one of Path, URL
// or Content is set.
type Source struct {
	Path      string `json:"path,omitempty"`
	URL       string `json:"url,omitempty"`
	Content   string `json:"-"`
	Delimiter string `json:"delimiter,omitempty"`
	NoHeader  bool   `json:"no_header,omitempty"`
	MaxRows   int    `json:"max_rows,omitempty"`
}

// Describe returns a short human readable label for the source.
func (s Source) Describe() string {
	switch {
	case s.Path != "":
		return s.Path
	case s.URL != "":
		return s.URL
	}
	return "inline content"
}

// Load reads and type-infers a dataset.
func Load(ctx context.Context, src Source) (*Dataset, error) {
	set := 0
	for _, v := range []string{src.Path, src.URL, src.Content} {
		if v != "" {
			set++
		}
	}
	var r io.Reader
	switch {
	case set > 1:
		return nil, errors.New("source must have only one of a path, a URL or inline content")
	case src.URL != "":
		data, err := download(ctx, src.URL)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	case src.Path != "":
		data, err := os.ReadFile(src.Path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", src.Path, err)
		}
		r = bytes.NewReader(data)
	case src.Content != "":
		r = strings.NewReader(src.Content)
	default:
		return nil, errors.New("source has no path, URL or content")
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.Comma = delimiterFor(src)

	var records [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", src.Describe(), err)
		}
		records = append(records, rec)
		if src.MaxRows > 0 && len(records) > src.MaxRows {
			break
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s is empty", src.Describe())
	}

	var header []string
	body := records
	if src.NoHeader {
		width := 0
		for _, rec := range records {
			width = max(width, len(rec))
		}
		header = make([]string, width)
		for i := range header {
			header[i] = fmt.Sprintf("column_%d", i+1)
		}
	} else {
		header = records[0]
		body = records[1:]
	}
	if src.MaxRows > 0 && len(body) > src.MaxRows {
		body = body[:src.MaxRows]
	}

	return fromStrings(header, body)
}

// download fetches an http or https URL, refusing bodies over
// MaxDownloadBytes.
func download(ctx context.Context, raw string) ([]byte, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("bad url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: %s", u.Redacted(), resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u.Redacted(), err)
	}
	if len(data) > MaxDownloadBytes {
		return nil, fmt.Errorf("%s is larger than %d bytes", u.Redacted(), MaxDownloadBytes)
	}
	return data, nil
}

func delimiterFor(src Source) rune {
	if src.Delimiter != "" {
		if src.Delimiter == `\t` {
			return '\t'
		}
		return []rune(src.Delimiter)[0]
	}
	if strings.EqualFold(filepath.Ext(src.Path), ".tsv") {
		return '\t'
	}
	return ','
}

func fromStrings(header []string, body [][]string) (*Dataset, error) {
	columns := make([]Column, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		columns[i] = Column{Name: name}
	}

	for j := range columns {
		cells := make([]string, len(body))
		for i, rec := range body {
			if j < len(rec) {
				cells[i] = rec[j]
			}
		}
		columns[j].Type = inferType(cells)
	}

	rows := make([][]any, len(body))
	for i, rec := range body {
		row := make([]any, len(columns))
		for j, c := range columns {
			if j >= len(rec) {
				continue
			}
			v, err := parseCell(rec[j], c.Type)
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", i+1, c.Name, err)
			}
			row[j] = v
		}
		rows[i] = row
	}
	return New(columns, rows)
}

// Serialize writes ds to w in format f.
func Serialize(ds *Dataset, f Format, w io.Writer) error {
	switch f {
	case FormatCSV, "":
		return writeDelimited(ds, ',', w)
	case FormatTSV:
		return writeDelimited(ds, '\t', w)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(Records(ds))
	case FormatMarkdown:
		return writeMarkdown(ds, w)
	}
	return fmt.Errorf("unsupported format %q", f)
}

// Bytes serializes ds into memory.
func Bytes(ds *Dataset, f Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := Serialize(ds, f, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Records returns every row keyed by column name.
func Records(ds *Dataset) []map[string]any {
	out := make([]map[string]any, ds.NumRows())
	for i := range out {
		out[i] = ds.Record(i)
	}
	return out
}

func writeDelimited(ds *Dataset, comma rune, w io.Writer) error {
	cw := csv.NewWriter(w)
	cw.Comma = comma
	if err := cw.Write(ds.ColumnNames()); err != nil {
		return err
	}
	rec := make([]string, ds.NumColumns())
	for _, row := range ds.rows {
		for j, v := range row {
			rec[j] = formatValue(v)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeMarkdown(ds *Dataset, w io.Writer) error {
	var sb strings.Builder
	names := ds.ColumnNames()
	sb.WriteString("| " + strings.Join(escapeMarkdown(names), " | ") + " |\n")
	sb.WriteString("|" + strings.Repeat(" --- |", len(names)) + "\n")
	cells := make([]string, len(names))
	for _, row := range ds.rows {
		for j, v := range row {
			cells[j] = formatValue(v)
		}
		sb.WriteString("| " + strings.Join(escapeMarkdown(cells), " | ") + " |\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func escapeMarkdown(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.ReplaceAll(c, "|", `\|`)
	}
	return out
}
