package tabular

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
)

// Fixed result columns. Field columns sit between Status and Attempts.
const (
	ColumnURL         = "URL"
	ColumnStatus      = "Status"
	ColumnAttempts    = "Attempts"
	ColumnCompletedAt = "CompletedAt"
	ColumnNotes       = "Notes"
)

// noteSeparator joins notes in one cell. Inside a note a backslash escapes a
// literal "|" or backslash.
const noteSeparator = " | "

var noteEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)

func joinNotes(notes []string) string {
	escaped := make([]string, len(notes))
	for i, n := range notes {
		escaped[i] = noteEscaper.Replace(n)
	}
	return strings.Join(escaped, noteSeparator)
}

func splitNotes(raw string) []string {
	var (
		notes []string
		b     strings.Builder
	)
	for i := 0; i < len(raw); i++ {
		switch {
		case raw[i] == '\\' && i+1 < len(raw):
			i++
			b.WriteByte(raw[i])
		case strings.HasPrefix(raw[i:], noteSeparator):
			notes = append(notes, b.String())
			b.Reset()
			i += len(noteSeparator) - 1
		default:
			b.WriteByte(raw[i])
		}
	}
	return append(notes, b.String())
}

// ErrMissingURLColumn is returned when a result file has no URL column.
var ErrMissingURLColumn = errors.New("result file has no URL column")

// Results implements crawler.ResultCodec on top of a Format.
type Results struct {
	Format Format
}

var _ crawler.ResultCodec = Results{}

// EncodeResults writes a header and one row per result. Fields not listed in
// fields are appended as extra columns in sorted order.
func (c Results) EncodeResults(w io.Writer, fields []string, results []crawler.Result) error {
	columns := resultColumns(fields, results)
	rows := make([][]string, 0, len(results)+1)
	header := append([]string{ColumnURL, ColumnStatus}, columns...)
	header = append(header, ColumnAttempts, ColumnCompletedAt, ColumnNotes)
	rows = append(rows, header)

	for _, r := range results {
		row := make([]string, 0, len(header))
		row = append(row, r.TaskID, string(r.Status))
		for _, name := range columns {
			row = append(row, r.Fields[name])
		}
		completed := ""
		if !r.CompletedAt.IsZero() {
			completed = r.CompletedAt.UTC().Format(time.RFC3339Nano)
		}
		row = append(row, strconv.Itoa(r.Attempts), completed, joinNotes(r.Notes))
		rows = append(rows, row)
	}
	return c.Format.WriteRows(w, rows)
}

func resultColumns(fields []string, results []crawler.Result) []string {
	columns := append([]string(nil), fields...)
	known := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		known[f] = struct{}{}
	}
	var extra []string
	for _, r := range results {
		for _, name := range r.FieldNames() {
			if _, ok := known[name]; ok {
				continue
			}
			known[name] = struct{}{}
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(columns, extra...)
}

// DecodeResults reads rows written by EncodeResults. Unknown columns are read
// as fields; rows with a blank URL are dropped.
func (c Results) DecodeResults(r io.Reader) ([]crawler.Result, error) {
	rows, err := c.Format.ReadRows(r)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	header := normalizeHeader(rows[0])
	urlIdx := columnIndex(header, ColumnURL)
	if urlIdx < 0 {
		return nil, ErrMissingURLColumn
	}
	statusIdx := columnIndex(header, ColumnStatus)
	attemptsIdx := columnIndex(header, ColumnAttempts)
	completedIdx := columnIndex(header, ColumnCompletedAt)
	notesIdx := columnIndex(header, ColumnNotes)
	fixed := map[int]bool{urlIdx: true, statusIdx: true, attemptsIdx: true, completedIdx: true, notesIdx: true}

	results := make([]crawler.Result, 0, len(rows)-1)
	for i, row := range rows[1:] {
		id := strings.TrimSpace(cell(row, urlIdx))
		if id == "" {
			continue
		}
		res := crawler.Result{
			TaskID: id,
			Status: crawler.Status(strings.TrimSpace(cell(row, statusIdx))),
			Fields: map[string]string{},
		}
		for j, name := range header {
			if fixed[j] || name == "" {
				continue
			}
			if v := cell(row, j); v != "" {
				res.Fields[name] = v
			}
		}
		if raw := strings.TrimSpace(cell(row, attemptsIdx)); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("row %d: attempts %q: %w", i+1, raw, err)
			}
			res.Attempts = n
		}
		if raw := strings.TrimSpace(cell(row, completedIdx)); raw != "" {
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, fmt.Errorf("row %d: completed at %q: %w", i+1, raw, err)
			}
			res.CompletedAt = ts
		}
		if raw := cell(row, notesIdx); raw != "" {
			res.Notes = splitNotes(raw)
		}
		results = append(results, res)
	}
	return results, nil
}
