package review

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/lead-dedupe/internal/lead"
)

func readSheet(t *testing.T, data []byte) [][]string {
	t.Helper()
	f, err := xlsx.OpenBinary(data)
	require.NoError(t, err)
	sheet, ok := f.Sheet[SheetName]
	require.True(t, ok, "sheet %q missing", SheetName)

	var rows [][]string
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			cells[i] = c.String()
		}
		rows = append(rows, cells)
	}
	return rows
}

func TestExportXLSX(t *testing.T) {
	merged := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	pairs := []lead.Duplicate{
		{ID: "r1", PrimaryID: "a", DuplicateID: "b", MatchReason: lead.ReasonEmail, MergedAt: &merged},
		{ID: "r2", PrimaryID: "a", DuplicateID: "gone", MatchReason: lead.ReasonPhone},
	}
	leads := map[string]*lead.Lead{
		"a": {ID: "a", Domain: "acme.com", BestEmail: "jane@acme.com"},
		"b": {ID: "b", Domain: "acme.com", BestEmail: "j.doe@acme.com"},
	}

	var buf bytes.Buffer
	require.NoError(t, ExportXLSX(&buf, pairs, leads))

	rows := readSheet(t, buf.Bytes())
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, []string{"a", "b", "email", "2026-05-01T12:00:00Z", "acme.com", "acme.com", "jane@acme.com", "j.doe@acme.com"}, rows[1])
	assert.Equal(t, "gone", rows[2][1])
	assert.Equal(t, "", rows[2][3])
}

func TestExportXLSX_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExportXLSX(&buf, nil, nil))

	rows := readSheet(t, buf.Bytes())
	require.Len(t, rows, 1)
	assert.Equal(t, Header, rows[0])
}

func TestLoad(t *testing.T) {
	st, err := lead.NewSQLite(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	a := &lead.Lead{Domain: "acme.com", BestEmail: "jane@acme.com"}
	b := &lead.Lead{Domain: "acme.com", BestEmail: "jane@acme.com"}
	c := &lead.Lead{Domain: "acme.com", BestEmail: "jane@acme.com"}
	for _, l := range []*lead.Lead{a, b, c} {
		require.NoError(t, st.CreateLead(ctx, l))
	}
	require.NoError(t, st.CreateDuplicate(ctx, &lead.Duplicate{PrimaryID: a.ID, DuplicateID: b.ID, MatchReason: lead.ReasonEmail}))
	require.NoError(t, st.CreateDuplicate(ctx, &lead.Duplicate{PrimaryID: a.ID, DuplicateID: c.ID, MatchReason: lead.ReasonEmail}))

	pairs, leads, err := Load(ctx, st, lead.DuplicateFilter{UnmergedOnly: true})
	require.NoError(t, err)
	assert.Len(t, pairs, 2)
	assert.Len(t, leads, 3)
	assert.Equal(t, "acme.com", leads[b.ID].Domain)
}
