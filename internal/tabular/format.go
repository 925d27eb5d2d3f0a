// Package tabular reads task lists and reads or writes result sets as CSV or
// XLSX, picked by file extension.
package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Format converts between a byte stream and rows of cells.
type Format interface {
	ReadRows(r io.Reader) ([][]string, error)
	WriteRows(w io.Writer, rows [][]string) error
}

// ErrUnknownFormat is returned for paths whose extension has no Format.
var ErrUnknownFormat = errors.New("unsupported tabular format")

// ForPath picks the Format matching the extension of path.
func ForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return CSV{}, nil
	case ".xlsx", ".xlsm":
		return XLSX{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, path)
	}
}

// CSV is RFC 4180 comma separated values.
type CSV struct{}

// ReadRows implements Format. Rows may have differing lengths.
func (CSV) ReadRows(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return rows, nil
}

// WriteRows implements Format.
func (CSV) WriteRows(w io.Writer, rows [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// XLSX is an Office Open XML workbook. Only the first sheet is read; results
// are written to a single sheet.
type XLSX struct {
	// Sheet names the written sheet; empty keeps the excelize default.
	Sheet string
}

// ReadRows implements Format.
func (XLSX) ReadRows(r io.Reader) ([][]string, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = book.Close() }()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("open xlsx: workbook has no sheets")
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read xlsx sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

// WriteRows implements Format using the excelize stream writer.
func (x XLSX) WriteRows(w io.Writer, rows [][]string) error {
	book := excelize.NewFile()
	defer func() { _ = book.Close() }()

	sheet := book.GetSheetName(0)
	if x.Sheet != "" && x.Sheet != sheet {
		if err := book.SetSheetName(sheet, x.Sheet); err != nil {
			return fmt.Errorf("name xlsx sheet: %w", err)
		}
		sheet = x.Sheet
	}
	stream, err := book.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("open xlsx stream: %w", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("xlsx cell: %w", err)
		}
		values := make([]interface{}, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := stream.SetRow(cell, values); err != nil {
			return fmt.Errorf("write xlsx row %d: %w", i+1, err)
		}
	}
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("flush xlsx stream: %w", err)
	}
	if err := book.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
