// Package review exports recorded duplicate pairs as a spreadsheet for
// manual review.
package review

import (
	"context"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/lead-dedupe/internal/lead"
)

// SheetName is the worksheet the export writes.
const SheetName = "duplicates"

// Header is the export's first row.
var Header = []string{
	"primary_id",
	"duplicate_id",
	"match_reason",
	"merged_at",
	"primary_domain",
	"duplicate_domain",
	"primary_email",
	"duplicate_email",
}

// Source is the read side an export needs.
type Source interface {
	ListDuplicates(ctx context.Context, filter lead.DuplicateFilter) ([]lead.Duplicate, error)
	GetLeads(ctx context.Context, ids []string) ([]lead.Lead, error)
}

// Load fetches the relationship rows matching filter and every lead they
// name, keyed by id.
func Load(ctx context.Context, src Source, filter lead.DuplicateFilter) ([]lead.Duplicate, map[string]*lead.Lead, error) {
	pairs, err := src.ListDuplicates(ctx, filter)
	if err != nil {
		return nil, nil, eris.Wrap(err, "review: list duplicates")
	}

	seen := make(map[string]struct{}, 2*len(pairs))
	var ids []string
	for _, p := range pairs {
		for _, id := range []string{p.PrimaryID, p.DuplicateID} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	leads := make(map[string]*lead.Lead, len(ids))
	if len(ids) == 0 {
		return pairs, leads, nil
	}
	rows, err := src.GetLeads(ctx, ids)
	if err != nil {
		return nil, nil, eris.Wrap(err, "review: load leads")
	}
	for i := range rows {
		leads[rows[i].ID] = &rows[i]
	}
	return pairs, leads, nil
}

// ExportXLSX writes one row per pair. Leads missing from the map leave their
// columns blank.
func ExportXLSX(w io.Writer, pairs []lead.Duplicate, leads map[string]*lead.Lead) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "review: add sheet")
	}

	addRow(sheet, Header)
	for _, p := range pairs {
		mergedAt := ""
		if p.MergedAt != nil {
			mergedAt = p.MergedAt.UTC().Format(time.RFC3339)
		}
		primary, dup := leads[p.PrimaryID], leads[p.DuplicateID]
		addRow(sheet, []string{
			p.PrimaryID,
			p.DuplicateID,
			string(p.MatchReason),
			mergedAt,
			domainOf(primary),
			domainOf(dup),
			emailOf(primary),
			emailOf(dup),
		})
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "review: write workbook")
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, cells []string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

func domainOf(l *lead.Lead) string {
	if l == nil {
		return ""
	}
	return l.Domain
}

func emailOf(l *lead.Lead) string {
	if l == nil {
		return ""
	}
	return l.BestEmail
}
