package tabular

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
)

// DefaultIDColumn is the input column holding the product URL.
const DefaultIDColumn = "URL"

// Source reads tasks from a CSV or XLSX file.
type Source struct {
	Path     string
	IDColumn string
	// Format overrides the format picked from the file extension.
	Format Format
	Logger *zap.Logger
}

var _ crawler.TaskSource = (*Source)(nil)

// ReadTasks returns one task per data row in file order. Rows with a blank
// identity are skipped, as are later rows repeating an identity.
func (s *Source) ReadTasks(ctx context.Context) ([]crawler.Task, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idColumn := s.IDColumn
	if idColumn == "" {
		idColumn = DefaultIDColumn
	}
	format := s.Format
	if format == nil {
		var err error
		if format, err = ForPath(s.Path); err != nil {
			return nil, &crawler.InputError{Path: s.Path, Reason: err.Error()}
		}
	}

	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &crawler.InputError{Path: s.Path, Reason: "file does not exist"}
		}
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = f.Close() }()

	rows, err := format.ReadRows(f)
	if err != nil {
		return nil, &crawler.InputError{Path: s.Path, Reason: err.Error()}
	}
	if len(rows) == 0 {
		return nil, &crawler.InputError{Path: s.Path, Reason: "no header row"}
	}
	header := normalizeHeader(rows[0])
	idIdx := columnIndex(header, idColumn)
	if idIdx < 0 {
		return nil, &crawler.InputError{Path: s.Path, Reason: fmt.Sprintf("missing identity column %q", idColumn)}
	}

	tasks := make([]crawler.Task, 0, len(rows)-1)
	seen := make(map[string]int, len(rows)-1)
	for i, row := range rows[1:] {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("read tasks: %w", err)
		}
		rowNum := i + 1
		id := strings.TrimSpace(cell(row, idIdx))
		if id == "" {
			if !blankRow(row) {
				logger.Warn("skipping row with blank identity", zap.String("path", s.Path), zap.Int("row", rowNum))
			}
			continue
		}
		if first, dup := seen[id]; dup {
			logger.Warn("skipping duplicate task",
				zap.String("url", id),
				zap.Int("row", rowNum),
				zap.Int("first_row", first),
			)
			continue
		}
		seen[id] = rowNum

		payload := make(map[string]string, len(header)-1)
		for j, name := range header {
			if j == idIdx || name == "" {
				continue
			}
			payload[name] = cell(row, j)
		}
		tasks = append(tasks, crawler.Task{ID: id, Payload: payload, Row: rowNum})
	}
	logger.Info("tasks read", zap.String("path", s.Path), zap.Int("tasks", len(tasks)))
	return tasks, nil
}

func normalizeHeader(row []string) []string {
	out := make([]string, len(row))
	for i, name := range row {
		out[i] = strings.TrimSpace(name)
	}
	return out
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func blankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
