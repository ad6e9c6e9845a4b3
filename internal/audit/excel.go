package audit

import (
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

// maxSheetName is the Excel limit on sheet names, in characters.
const maxSheetName = 31

// Workbook writes sheets row by row.
type Workbook interface {
	AddSheet(name string) error
	WriteHeader(columns []string) error
	WriteRow(row []any) error
	Save(w io.Writer) error
	Close() error
}

// ExcelizeWorkbook implements Workbook with excelize. Headers are bold and
// frozen so they stay visible while scrolling.
type ExcelizeWorkbook struct {
	file   *excelize.File
	sheet  string
	row    int
	header int
}

func NewExcelizeWorkbook() Workbook {
	return &ExcelizeWorkbook{file: excelize.NewFile(), header: -1}
}

func (w *ExcelizeWorkbook) AddSheet(name string) error {
	if utf8.RuneCountInString(name) > maxSheetName {
		name = string([]rune(name)[:maxSheetName])
	}

	if w.sheet == "" {
		if err := w.file.SetSheetName("Sheet1", name); err != nil {
			return fmt.Errorf("rename sheet %s: %w", name, err)
		}
	} else if _, err := w.file.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}

	w.sheet = name
	w.row = 1
	return nil
}

func (w *ExcelizeWorkbook) WriteHeader(columns []string) error {
	if w.sheet == "" {
		return fmt.Errorf("no active sheet")
	}
	if w.header < 0 {
		style, err := w.file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
		if err != nil {
			return fmt.Errorf("header style: %w", err)
		}
		w.header = style
	}

	row := make([]any, len(columns))
	for i, c := range columns {
		row[i] = c
	}
	if err := w.setRow(row); err != nil {
		return err
	}

	first, _ := excelize.CoordinatesToCellName(1, w.row)
	last, _ := excelize.CoordinatesToCellName(max(len(columns), 1), w.row)
	if err := w.file.SetCellStyle(w.sheet, first, last, w.header); err != nil {
		return err
	}
	if err := w.file.SetPanes(w.sheet, &excelize.Panes{
		Freeze: true, YSplit: w.row, TopLeftCell: fmt.Sprintf("A%d", w.row+1), ActivePane: "bottomLeft",
	}); err != nil {
		return err
	}
	w.row++
	return nil
}

func (w *ExcelizeWorkbook) WriteRow(row []any) error {
	if w.sheet == "" {
		return fmt.Errorf("no active sheet")
	}
	if err := w.setRow(row); err != nil {
		return err
	}
	w.row++
	return nil
}

func (w *ExcelizeWorkbook) setRow(row []any) error {
	cell, err := excelize.CoordinatesToCellName(1, w.row)
	if err != nil {
		return err
	}
	for i, v := range row {
		// SQLite hands TEXT columns back as []byte.
		if b, ok := v.([]byte); ok {
			row[i] = string(b)
		}
	}
	return w.file.SetSheetRow(w.sheet, cell, &row)
}

func (w *ExcelizeWorkbook) Save(wr io.Writer) error {
	return w.file.Write(wr)
}

func (w *ExcelizeWorkbook) Close() error {
	return w.file.Close()
}
