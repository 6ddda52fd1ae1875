package table

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrNoNumericColumns is returned by Statistics when nothing can be summarized.
var ErrNoNumericColumns = errors.New("no numeric columns")

// topValuesLimit bounds the most frequent values listed per text column.
const topValuesLimit = 10

// NumericStats summarizes the present values of a numeric column. Moments
// that are undefined for the sample size are nil.
type NumericStats struct {
	Count    int      `json:"count"`
	Nulls    int      `json:"null_count"`
	Mean     float64  `json:"mean"`
	Std      *float64 `json:"std"`
	Variance *float64 `json:"variance"`
	Min      float64  `json:"min"`
	Max      float64  `json:"max"`
	Sum      float64  `json:"sum"`
	Skewness *float64 `json:"skewness"`
	Kurtosis *float64 `json:"kurtosis"`
	P25      *float64 `json:"p25,omitempty"`
	P50      *float64 `json:"p50,omitempty"`
	P75      *float64 `json:"p75,omitempty"`
	IQR      *float64 `json:"iqr,omitempty"`
}

// ValueCount is one distinct value of a column. A nil Value counts missing
// cells.
type ValueCount struct {
	Value any     `json:"value"`
	Count int     `json:"count"`
	Share float64 `json:"share"`
}

// TextStats describes the lengths of the present values of a column.
type TextStats struct {
	MinLength  int     `json:"min_length"`
	MaxLength  int     `json:"max_length"`
	MeanLength float64 `json:"mean_length"`
}

// DateRange is the span of a datetime column.
type DateRange struct {
	Min  time.Time `json:"min"`
	Max  time.Time `json:"max"`
	Days int       `json:"range_days"`
}

// ColumnStats is the detailed description of one column.
type ColumnStats struct {
	Column    string  `json:"column"`
	Type      Type    `json:"type"`
	Total     int     `json:"total_count"`
	Nulls     int     `json:"null_count"`
	NullPct   float64 `json:"null_percentage"`
	Unique    int     `json:"unique_count"`
	UniquePct float64 `json:"unique_percentage"`
	Kind      string  `json:"kind"`

	// numeric
	Numeric   *NumericStats `json:"numeric,omitempty"`
	Median    *float64      `json:"median,omitempty"`
	Mode      any           `json:"mode,omitempty"`
	Range     *float64      `json:"range,omitempty"`
	Zeros     int           `json:"zero_count,omitempty"`
	Positives int           `json:"positive_count,omitempty"`
	Negatives int           `json:"negative_count,omitempty"`

	// categorical
	MostFrequent      any          `json:"most_frequent,omitempty"`
	MostFrequentCount int          `json:"most_frequent_count,omitempty"`
	TopValues         []ValueCount `json:"top_values,omitempty"`
	Text              *TextStats   `json:"text,omitempty"`

	// datetime
	Dates *DateRange `json:"date_range,omitempty"`
}

// Column kinds reported by DescribeColumn.
const (
	StatsNumeric     = "numeric"
	StatsCategorical = "categorical"
	StatsDatetime    = "datetime"
)

func (t Type) numeric() bool {
	return t == TypeInteger || t == TypeFloat
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*10000) / 100
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := min(lo+1, len(sorted)-1)
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// describe computes sample statistics: variance with n-1 degrees of
// freedom, bias-corrected skewness and excess kurtosis.
func describe(values []float64, nulls int, percentiles bool) *NumericStats {
	n := len(values)
	st := &NumericStats{Count: n, Nulls: nulls}
	if n == 0 {
		return st
	}
	st.Min, st.Max = values[0], values[0]
	for _, v := range values {
		st.Sum += v
		st.Min = min(st.Min, v)
		st.Max = max(st.Max, v)
	}
	st.Mean = st.Sum / float64(n)

	var m2, m3, m4 float64
	for _, v := range values {
		d := v - st.Mean
		m2 += d * d
		m3 += d * d * d
		m4 += d * d * d * d
	}
	fn := float64(n)
	if n > 1 {
		variance := m2 / (fn - 1)
		st.Variance = finite(variance)
		st.Std = finite(math.Sqrt(variance))
	}
	if n > 2 && m2 > 0 {
		g1 := (m3 / fn) / math.Pow(m2/fn, 1.5)
		st.Skewness = finite(g1 * math.Sqrt(fn*(fn-1)) / (fn - 2))
	}
	if n > 3 && m2 > 0 {
		k := (fn+1)*fn*(fn-1)*m4/((fn-2)*(fn-3)*m2*m2) - 3*(fn-1)*(fn-1)/((fn-2)*(fn-3))
		st.Kurtosis = finite(k)
	}
	if percentiles {
		sorted := slices.Clone(values)
		slices.Sort(sorted)
		p25, p50, p75 := quantile(sorted, 0.25), quantile(sorted, 0.5), quantile(sorted, 0.75)
		st.P25, st.P50, st.P75 = &p25, &p50, &p75
		iqr := p75 - p25
		st.IQR = &iqr
	}
	return st
}

func (d *Dataset) floats(j int) ([]float64, int) {
	var out []float64
	nulls := 0
	for _, row := range d.rows {
		f, ok := asFloat(row[j])
		if !ok {
			nulls++
			continue
		}
		out = append(out, f)
	}
	return out, nulls
}

// Statistics summarizes the numeric columns among columns, or every numeric
// column when columns is empty. Non-numeric columns named explicitly are
// skipped.
func Statistics(ds *Dataset, columns []string, percentiles bool) (map[string]*NumericStats, error) {
	idx, err := ds.requireColumns(columns)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		for j := range ds.columns {
			idx = append(idx, j)
		}
	}
	out := make(map[string]*NumericStats)
	for _, j := range idx {
		if !ds.columns[j].Type.numeric() {
			continue
		}
		values, nulls := ds.floats(j)
		out[ds.columns[j].Name] = describe(values, nulls, percentiles)
	}
	if len(out) == 0 {
		return nil, ErrNoNumericColumns
	}
	return out, nil
}

// ValueCountOptions controls ValueCounts.
type ValueCountOptions struct {
	Ascending bool
	// TopN keeps the first TopN entries; 0 keeps all.
	TopN int
	// DropMissing leaves missing cells out of the counts.
	DropMissing bool
}

// ValueCounts counts each distinct value of column, most frequent first.
// Ties keep the order in which values first appear.
func ValueCounts(ds *Dataset, column string, opts ValueCountOptions) ([]ValueCount, error) {
	j := ds.ColumnIndex(column)
	if j < 0 {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, column)
	}
	counts := valueCounts(ds, j, opts.DropMissing)
	if opts.Ascending {
		sort.SliceStable(counts, func(a, b int) bool { return counts[a].Count < counts[b].Count })
	}
	if opts.TopN > 0 && len(counts) > opts.TopN {
		counts = counts[:opts.TopN]
	}
	return counts, nil
}

func valueCounts(ds *Dataset, j int, dropMissing bool) []ValueCount {
	pos := map[string]int{}
	var counts []ValueCount
	total := 0
	for _, row := range ds.rows {
		v := row[j]
		if v == nil && dropMissing {
			continue
		}
		total++
		key := "\x00missing"
		if v != nil {
			key = cellKey(v)
		}
		if i, ok := pos[key]; ok {
			counts[i].Count++
			continue
		}
		pos[key] = len(counts)
		counts = append(counts, ValueCount{Value: v, Count: 1})
	}
	for i := range counts {
		counts[i].Share = float64(counts[i].Count) / float64(total)
	}
	sort.SliceStable(counts, func(a, b int) bool { return counts[a].Count > counts[b].Count })
	return counts
}

// DescribeColumn returns the detailed statistics of one column.
func DescribeColumn(ds *Dataset, column string) (*ColumnStats, error) {
	j := ds.ColumnIndex(column)
	if j < 0 {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, column)
	}
	return ds.describeColumn(j), nil
}

func (d *Dataset) describeColumn(j int) *ColumnStats {
	c := d.columns[j]
	total := d.NumRows()
	present := valueCounts(d, j, true)
	nulls := 0
	for _, row := range d.rows {
		if row[j] == nil {
			nulls++
		}
	}
	cs := &ColumnStats{
		Column:    c.Name,
		Type:      c.Type,
		Total:     total,
		Nulls:     nulls,
		NullPct:   pct(nulls, total),
		Unique:    len(present),
		UniquePct: pct(len(present), total),
	}

	switch {
	case c.Type.numeric():
		cs.Kind = StatsNumeric
		values, _ := d.floats(j)
		cs.Numeric = describe(values, nulls, true)
		if len(values) == 0 {
			break
		}
		cs.Median = cs.Numeric.P50
		cs.Range = finite(cs.Numeric.Max - cs.Numeric.Min)
		cs.Mode = numericMode(present)
		for _, v := range values {
			switch {
			case v == 0:
				cs.Zeros++
			case v > 0:
				cs.Positives++
			default:
				cs.Negatives++
			}
		}

	case c.Type == TypeDatetime:
		cs.Kind = StatsDatetime
		var lo, hi time.Time
		for _, row := range d.rows {
			ts, ok := row[j].(time.Time)
			if !ok {
				continue
			}
			if lo.IsZero() || ts.Before(lo) {
				lo = ts
			}
			if hi.IsZero() || ts.After(hi) {
				hi = ts
			}
		}
		if !lo.IsZero() {
			cs.Dates = &DateRange{Min: lo, Max: hi, Days: int(hi.Sub(lo).Hours() / 24)}
		}

	default:
		cs.Kind = StatsCategorical
		if len(present) > 0 {
			cs.MostFrequent = present[0].Value
			cs.MostFrequentCount = present[0].Count
		}
		cs.TopValues = present[:min(len(present), topValuesLimit)]
		cs.Text = d.textStats(j)
	}
	return cs
}

// numericMode picks the most frequent value, the smallest on ties.
func numericMode(counts []ValueCount) any {
	if len(counts) == 0 {
		return nil
	}
	best := counts[0]
	for _, vc := range counts[1:] {
		if vc.Count < best.Count {
			break
		}
		if compareValues(vc.Value, best.Value) < 0 {
			best = vc
		}
	}
	return best.Value
}

func (d *Dataset) textStats(j int) *TextStats {
	var ts *TextStats
	sum, n := 0, 0
	for _, row := range d.rows {
		if row[j] == nil {
			continue
		}
		l := utf8.RuneCountInString(formatValue(row[j]))
		if ts == nil {
			ts = &TextStats{MinLength: l, MaxLength: l}
		}
		ts.MinLength = min(ts.MinLength, l)
		ts.MaxLength = max(ts.MaxLength, l)
		sum += l
		n++
	}
	if ts != nil {
		ts.MeanLength = math.Round(float64(sum)/float64(n)*100) / 100
	}
	return ts
}

func rowKey(row []any) string {
	parts := make([]string, len(row))
	for j, v := range row {
		parts[j] = "<nil>"
		if v != nil {
			parts[j] = cellKey(v)
		}
	}
	return strings.Join(parts, "\x00")
}

// DataProfile describes a whole dataset.
type DataProfile struct {
	Rows          int            `json:"row_count"`
	Columns       int            `json:"column_count"`
	DuplicateRows int            `json:"duplicate_rows"`
	DuplicatePct  float64        `json:"duplicate_percentage"`
	ColumnStats   []*ColumnStats `json:"columns"`
}

// ProfileData describes every column and counts fully duplicated rows.
func ProfileData(ds *Dataset) *DataProfile {
	p := &DataProfile{Rows: ds.NumRows(), Columns: ds.NumColumns()}
	seen := make(map[string]struct{}, ds.NumRows())
	for _, row := range ds.rows {
		key := rowKey(row)
		if _, dup := seen[key]; dup {
			p.DuplicateRows++
			continue
		}
		seen[key] = struct{}{}
	}
	p.DuplicatePct = pct(p.DuplicateRows, p.Rows)
	for j := range ds.columns {
		p.ColumnStats = append(p.ColumnStats, ds.describeColumn(j))
	}
	return p
}
