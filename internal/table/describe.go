package table

// ColumnProfile summarizes one column.
type ColumnProfile struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Nulls    int    `json:"nulls"`
	Distinct int    `json:"distinct"`
}

// Profile returns per-column type, null and distinct counts.
func Profile(ds *Dataset) []ColumnProfile {
	out := make([]ColumnProfile, ds.NumColumns())
	for j, c := range ds.columns {
		seen := map[string]struct{}{}
		nulls := 0
		for _, row := range ds.rows {
			if row[j] == nil {
				nulls++
				continue
			}
			seen[cellKey(row[j])] = struct{}{}
		}
		out[j] = ColumnProfile{Name: c.Name, Type: c.Type, Nulls: nulls, Distinct: len(seen)}
	}
	return out
}

// PreviewRow is a row with its 0-based position.
type PreviewRow struct {
	Index  int            `json:"index"`
	Values map[string]any `json:"values"`
}

// Preview returns up to n leading rows.
func Preview(ds *Dataset, n int) []PreviewRow {
	n = min(n, ds.NumRows())
	out := make([]PreviewRow, 0, max(n, 0))
	for i := 0; i < n; i++ {
		out = append(out, PreviewRow{Index: i, Values: ds.Record(i)})
	}
	return out
}
