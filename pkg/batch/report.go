package batch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

const reportSheet = "Results"

var reportHeaders = []string{"Row", "Name", "URL", "Status", "Local Path", "Final URL", "Strategy", "Attempts", "Error Type", "Error"}

func reportRow(r Result) []interface{} {
	return []interface{}{
		r.Item.Row, r.Item.Name, r.Item.URL, string(r.Status), r.LocalPath,
		r.FinalURL, string(r.Strategy), r.Attempts, r.ErrorType, r.Error,
	}
}

// WriteReport writes one row per result to an .xlsx workbook at path.
func WriteReport(path string, results []Result) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return fmt.Errorf("%w: rename sheet: %w", utils.ErrFilesystem, err)
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"4F81BD"}, Pattern: 1},
	})
	_ = f.SetColWidth(reportSheet, "B", "B", 20)
	_ = f.SetColWidth(reportSheet, "C", "C", 50)
	_ = f.SetColWidth(reportSheet, "E", "F", 40)
	_ = f.SetColWidth(reportSheet, "J", "J", 60)

	for i, h := range reportHeaders {
		c, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(reportSheet, c, h)
	}
	last, _ := excelize.CoordinatesToCellName(len(reportHeaders), 1)
	_ = f.SetCellStyle(reportSheet, "A1", last, headerStyle)

	for i, r := range results {
		c, _ := excelize.CoordinatesToCellName(1, i+2)
		row := reportRow(r)
		if err := f.SetSheetRow(reportSheet, c, &row); err != nil {
			return fmt.Errorf("%w: write report row %d: %w", utils.ErrFilesystem, i+2, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create report directory: %w", utils.ErrFilesystem, err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("%w: save report %s: %w", utils.ErrFilesystem, path, err)
	}
	return nil
}
