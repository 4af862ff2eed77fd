// Package export renders an execution's job results as CSV or XLSX.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// SheetName is the single worksheet written by WriteXLSX.
const SheetName = "Results"

const (
	extractedPrefix = "Extracted: "
	expectedPrefix  = "Expected: "
)

// fixedColumns lead every export.
var fixedColumns = []string{
	"Job ID",
	"Site Name",
	"Site URL",
	"Status",
	"Result",
	"Duration",
	"Progress",
	"Error",
	"Started At",
	"Completed At",
}

// ParseFormat maps a query value to a Format. Empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", domain.NewValidationError("format", fmt.Sprintf("unsupported export format %q", s))
	}
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Filename returns the attachment name for an execution export.
func (f Format) Filename(executionID string) string {
	return fmt.Sprintf("execution-%s.%s", executionID, f)
}

// Table is an export rendered to strings: one header row and one row per job.
type Table struct {
	Header []string
	Rows   [][]string
}

type row struct {
	job       *domain.Job
	extracted map[string]any
}

// Build reads an execution's jobs and their latest completed sessions.
func Build(ctx context.Context, r gateway.Reader, executionID string) (*Table, error) {
	if _, err := r.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}

	jobs, err := r.ListExecutionJobs(ctx, executionID, gateway.JobFilter{})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	rows := make([]row, 0, len(jobs))
	for _, job := range jobs {
		sessions, listErr := r.ListSessions(ctx, job.ID)
		if listErr != nil {
			return nil, fmt.Errorf("list sessions for job %s: %w", job.ID, listErr)
		}
		rows = append(rows, row{job: job, extracted: latestExtracted(sessions)})
	}

	return render(rows), nil
}

// latestExtracted returns the data of the highest-numbered completed session.
func latestExtracted(sessions []*domain.Session) map[string]any {
	var latest *domain.Session
	for _, s := range sessions {
		if s.Status != domain.SessionCompleted {
			continue
		}
		if latest == nil || s.SessionNumber > latest.SessionNumber {
			latest = s
		}
	}
	if latest == nil {
		return nil
	}
	return latest.ExtractedData
}

func render(rows []row) *Table {
	fields := fieldUnion(rows)

	header := make([]string, 0, len(fixedColumns)+2*len(fields))
	header = append(header, fixedColumns...)
	for _, f := range fields {
		header = append(header, extractedPrefix+f)
	}
	for _, f := range fields {
		header = append(header, expectedPrefix+f)
	}

	t := &Table{Header: header, Rows: make([][]string, 0, len(rows))}
	for _, r := range rows {
		t.Rows = append(t.Rows, renderRow(r, fields))
	}
	return t
}

// fieldUnion is the sorted union of extracted and ground-truth field names
// across all rows.
func fieldUnion(rows []row) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r.extracted {
			seen[k] = struct{}{}
		}
		for k := range r.job.GroundTruth {
			seen[k] = struct{}{}
		}
	}
	fields := make([]string, 0, len(seen))
	for k := range seen {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func renderRow(r row, fields []string) []string {
	job := r.job
	out := make([]string, 0, len(fixedColumns)+2*len(fields))
	out = append(out,
		job.ID,
		job.SiteName,
		job.SiteURL,
		string(job.Status),
		string(job.Result),
		formatDuration(job.Duration()),
		fmt.Sprintf("%.0f%%", job.ProgressPercentage),
		job.ErrorMessage,
		formatTime(job.StartedAt),
		formatTime(job.CompletedAt),
	)
	for _, f := range fields {
		out = append(out, cell(r.extracted, f))
	}
	for _, f := range fields {
		out = append(out, cell(job.GroundTruth, f))
	}
	return out
}

func cell(values map[string]any, field string) string {
	v, ok := values[field]
	if !ok || v == nil {
		return ""
	}
	if s, isString := v.(string); isString {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.Round(time.Millisecond).String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Write renders t in format f.
func (t *Table) Write(w io.Writer, f Format) error {
	if f == FormatXLSX {
		return t.WriteXLSX(w)
	}
	return t.WriteCSV(w)
}

// WriteFile renders t in format f to path, creating or truncating it.
func (t *Table) WriteFile(path string, f Format) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, closeErr)
		}
	}()
	return t.Write(file, f)
}

// WriteCSV writes the header and rows as RFC 4180 CSV.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}

// WriteXLSX writes a workbook with a single "Results" sheet.
func (t *Table) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	if err := writeSheetRow(f, 1, t.Header); err != nil {
		return err
	}
	for i, r := range t.Rows {
		if err := writeSheetRow(f, i+2, r); err != nil {
			return err
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSheetRow(f *excelize.File, rowNum int, values []string) error {
	for col, v := range values {
		ref, err := excelize.CoordinatesToCellName(col+1, rowNum)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if setErr := f.SetCellValue(SheetName, ref, v); setErr != nil {
			return fmt.Errorf("set cell %s: %w", ref, setErr)
		}
	}
	return nil
}
