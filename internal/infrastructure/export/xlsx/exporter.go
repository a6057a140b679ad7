// Package xlsx renders extraction results as spreadsheets for review.
package xlsx

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

const (
	SheetSummary  = "Summary"
	SheetPages    = "Pages"
	SheetEntities = "Entities"
)

var (
	summaryHeader  = []any{"Field", "Value"}
	pagesHeader    = []any{"Page", "Method", "Confidence", "Service signal", "Detector signal", "Entities", "Error kind", "Error"}
	entitiesHeader = []any{"Page", "Type", "Value", "Original", "Confidence", "Patterns"}
)

// Exporter implements ports.ResultExporter.
type Exporter struct{}

func New() *Exporter {
	return &Exporter{}
}

func (e *Exporter) Export(result *domain.DocumentResult, w io.Writer) error {
	if result == nil {
		return domain.WrapError(domain.ErrInvalidInput, "export xlsx", fmt.Errorf("nil result"))
	}

	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("rename summary sheet: %w", err)
	}
	for _, name := range []string{SheetPages, SheetEntities} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	if err := writeRows(f, SheetSummary, bold, summaryHeader, summaryRows(result)); err != nil {
		return err
	}
	if err := writeRows(f, SheetPages, bold, pagesHeader, pageRows(result)); err != nil {
		return err
	}
	if err := writeRows(f, SheetEntities, bold, entitiesHeader, entityRows(result)); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, headerStyle int, header []any, rows [][]any) error {
	all := append([][]any{header}, rows...)
	for i, row := range all {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
		return fmt.Errorf("style %s header: %w", sheet, err)
	}
	return nil
}

func summaryRows(r *domain.DocumentResult) [][]any {
	rows := [][]any{
		{"Document ID", r.DocumentID},
		{"Filename", r.Filename},
		{"Status", string(r.Status)},
		{"Pages", r.PageCount},
		{"Confidence", r.Confidence},
		{"Accuracy estimate", r.AccuracyEstimate},
		{"Processed at", r.ProcessedAt.UTC().Format("2006-01-02 15:04:05")},
	}
	if r.ErrorKind != domain.ErrorKindNone {
		rows = append(rows, []any{"Error", fmt.Sprintf("%s: %s", r.ErrorKind, r.Error)})
	}
	for _, s := range r.Suggestions {
		label := "Suggestion"
		if s.Page > 0 {
			label = fmt.Sprintf("Suggestion (page %d)", s.Page)
		}
		rows = append(rows, []any{label, s.Message})
	}
	return rows
}

func pageRows(r *domain.DocumentResult) [][]any {
	rows := make([][]any, 0, len(r.Pages))
	for _, p := range r.Pages {
		rows = append(rows, []any{
			p.Index + 1, string(p.Method), p.Confidence, p.ServiceSignal, p.DetectorSignal,
			len(p.Entities), string(p.ErrorKind), p.Error,
		})
	}
	return rows
}

func entityRows(r *domain.DocumentResult) [][]any {
	var rows [][]any
	for _, p := range r.Pages {
		for _, e := range p.Entities {
			rows = append(rows, []any{
				p.Index + 1, string(e.Type), e.Value, e.Original, e.Confidence,
				strings.Join(e.AppliedPatterns, ", "),
			})
		}
	}
	return rows
}
