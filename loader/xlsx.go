package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXLoader renders each sheet as a heading followed by pipe-separated
// rows.
type XLSXLoader struct{}

func (l *XLSXLoader) Formats() []string { return []string{"xlsx"} }

func (l *XLSXLoader) Load(ctx context.Context, path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## " + sheet + "\n")
		for _, row := range rows {
			b.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("no data found in XLSX")
	}
	return b.String(), nil
}
