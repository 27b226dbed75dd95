package xlsx

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/core/ports"
)

const SheetName = "Receipts"

// MaxRows is the largest listing the index serves in one call.
const MaxRows = 10000

var header = []any{
	"Hash", "Status", "Document ID", "Title", "Date", "Merchant", "Amount",
	"Filenames", "Error", "First seen", "Updated",
}

// Exporter writes the processed index as a spreadsheet, one row per record.
// Date, merchant and amount are recovered from the canonical title.
type Exporter struct {
	reader ports.IndexReader
}

func NewExporter(reader ports.IndexReader) *Exporter {
	return &Exporter{reader: reader}
}

// Export writes every record matching filter to w and returns the row count.
func (e *Exporter) Export(ctx context.Context, filter domain.RecordFilter, w io.Writer) (int, error) {
	records, err := e.reader.List(ctx, filter)
	if err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return 0, fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return 0, fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetRowStyle(SheetName, 1, 1, bold); err != nil {
		return 0, fmt.Errorf("style header: %w", err)
	}
	if err := f.SetPanes(SheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return 0, fmt.Errorf("freeze header: %w", err)
	}

	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return 0, err
		}
		row := recordRow(rec)
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return 0, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	_ = f.SetColWidth(SheetName, "A", "A", 20)
	_ = f.SetColWidth(SheetName, "D", "D", 40)
	_ = f.SetColWidth(SheetName, "H", "H", 40)

	if err := f.Write(w); err != nil {
		return 0, fmt.Errorf("write workbook: %w", err)
	}
	return len(records), nil
}

func recordRow(rec domain.ProcessedRecord) []any {
	var docID any
	if rec.DocumentID != nil {
		docID = *rec.DocumentID
	}

	var date, merchant, amount any
	if when, name, minor, ok := domain.ParseTitle(rec.Title); ok {
		date = when.Format("2006-01-02")
		merchant = name
		if minor != nil {
			amount = float64(*minor) / 100
		}
	}

	return []any{
		rec.Hash,
		string(rec.Status),
		docID,
		rec.Title,
		date,
		merchant,
		amount,
		strings.Join(rec.Filenames, ", "),
		rec.Error,
		formatTime(rec.FirstSeenAt),
		formatTime(rec.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
