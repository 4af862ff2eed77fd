package export_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/export"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
)

const execID = "exec-1"

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type seedJob struct {
	job      *domain.Job
	sessions []*domain.Session
}

func seed(t *testing.T, jobs ...seedJob) *gateway.Memory {
	t.Helper()

	gw := gateway.NewMemory()
	ctx := context.Background()
	err := gw.InTx(ctx, func(tx gateway.Tx) error {
		require.NoError(t, tx.InsertBatch(ctx, &domain.Batch{ID: "batch-1", Name: "b"}))
		require.NoError(t, tx.InsertExecution(ctx, &domain.Execution{
			ID: execID, BatchID: "batch-1", Status: domain.ExecutionCompleted, TotalJobs: len(jobs),
		}))
		for _, sj := range jobs {
			require.NoError(t, tx.InsertJob(ctx, sj.job))
			for _, s := range sj.sessions {
				require.NoError(t, tx.InsertSession(ctx, s))
			}
		}
		return nil
	})
	require.NoError(t, err)
	return gw
}

func completedJob(id string, offset time.Duration, truth domain.JSONBMap) *domain.Job {
	id2 := execID
	started := base.Add(offset)
	done := started.Add(1500 * time.Millisecond)
	return &domain.Job{
		ID: id, BatchID: "batch-1", ExecutionID: &id2,
		SiteName: "Site " + id, SiteURL: "https://" + id + ".example.com",
		Status: domain.JobCompleted, Result: domain.ResultPass, ProgressPercentage: 100,
		GroundTruth: truth,
		CreatedAt:   base.Add(offset), StartedAt: &started, CompletedAt: &done,
	}
}

func session(jobID string, n int, status domain.SessionStatus, data domain.JSONBMap) *domain.Session {
	return &domain.Session{
		ID: jobID + "-s" + string(rune('0'+n)), JobID: jobID, SessionNumber: n,
		Status: status, ExtractedData: data, CreatedAt: base,
	}
}

func TestBuild_HeaderUnionOfExtractedAndExpected(t *testing.T) {
	t.Parallel()

	gw := seed(t, seedJob{
		job:      completedJob("job-1", 0, domain.JSONBMap{"a": "1"}),
		sessions: []*domain.Session{session("job-1", 1, domain.SessionCompleted, domain.JSONBMap{"b": "x", "a": "1"})},
	})

	table, err := export.Build(context.Background(), gw, execID)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Job ID", "Site Name", "Site URL", "Status", "Result", "Duration", "Progress", "Error",
		"Started At", "Completed At",
		"Extracted: a", "Extracted: b", "Expected: a", "Expected: b",
	}, table.Header)

	require.Len(t, table.Rows, 1)
	assert.Equal(t, []string{
		"job-1", "Site job-1", "https://job-1.example.com", "completed", "pass", "1.5s", "100%", "",
		"2026-03-01T12:00:00Z", "2026-03-01T12:00:01Z",
		"1", "x", "1", "",
	}, table.Rows[0])
}

func TestBuild_UsesLatestCompletedSessionAndEncodesObjects(t *testing.T) {
	t.Parallel()

	failedJob := completedJob("job-2", time.Second, nil)
	failedJob.Status = domain.JobFailed
	failedJob.Result = domain.ResultNone
	failedJob.ErrorMessage = "timeout"
	failedJob.ProgressPercentage = 42.4

	gw := seed(t,
		seedJob{
			job: completedJob("job-1", 0, nil),
			sessions: []*domain.Session{
				session("job-1", 1, domain.SessionCompleted, domain.JSONBMap{"price": "old"}),
				session("job-1", 2, domain.SessionCompleted, domain.JSONBMap{
					"price": 9.5, "tags": []any{"x", "y"}, "meta": map[string]any{"k": "v"},
				}),
				session("job-1", 3, domain.SessionFailed, domain.JSONBMap{"price": "ignored"}),
			},
		},
		seedJob{job: failedJob},
	)

	table, err := export.Build(context.Background(), gw, execID)
	require.NoError(t, err)

	assert.Equal(t, []string{"Extracted: meta", "Extracted: price", "Extracted: tags"}, table.Header[10:13])
	require.Len(t, table.Rows, 2)
	assert.Equal(t, []string{`{"k":"v"}`, "9.5", `["x","y"]`}, table.Rows[0][10:13])

	second := table.Rows[1]
	assert.Equal(t, "job-2", second[0])
	assert.Equal(t, "failed", second[3])
	assert.Equal(t, "", second[4])
	assert.Equal(t, "42%", second[6])
	assert.Equal(t, "timeout", second[7])
	assert.Equal(t, []string{"", "", "", "", "", ""}, second[10:])
}

func TestBuild_UnknownExecution(t *testing.T) {
	t.Parallel()

	_, err := export.Build(context.Background(), gateway.NewMemory(), "missing")
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestTable_WriteCSV(t *testing.T) {
	t.Parallel()

	table := &export.Table{
		Header: []string{"Job ID", "Error"},
		Rows:   [][]string{{"job-1", "bad, \"quoted\" value"}},
	}

	var buf bytes.Buffer
	require.NoError(t, table.Write(&buf, export.FormatCSV))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Job ID", "Error"}, {"job-1", "bad, \"quoted\" value"}}, records)
}

func TestTable_WriteFile(t *testing.T) {
	t.Parallel()

	table := &export.Table{Header: []string{"Job ID"}, Rows: [][]string{{"job-1"}}}
	path := filepath.Join(t.TempDir(), "results.csv")
	require.NoError(t, os.WriteFile(path, []byte("stale contents that are longer than the export\n"), 0o600))

	require.NoError(t, table.WriteFile(path, export.FormatCSV))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Job ID\njob-1\n", string(body))

	err = table.WriteFile(filepath.Join(t.TempDir(), "missing", "results.csv"), export.FormatCSV)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create")
}

func TestTable_WriteXLSX(t *testing.T) {
	t.Parallel()

	table := &export.Table{
		Header: []string{"Job ID", "Extracted: a"},
		Rows:   [][]string{{"job-1", "1"}, {"job-2", ""}},
	}

	var buf bytes.Buffer
	require.NoError(t, table.Write(&buf, export.FormatXLSX))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Equal(t, []string{export.SheetName}, f.GetSheetList())

	rows, err := f.GetRows(export.SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Job ID", "Extracted: a"}, rows[0])
	assert.Equal(t, []string{"job-1", "1"}, rows[1])
	assert.Equal(t, "job-2", rows[2][0])
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    export.Format
		wantErr bool
	}{
		{in: "", want: export.FormatCSV},
		{in: "csv", want: export.FormatCSV},
		{in: "XLSX", want: export.FormatXLSX},
		{in: "pdf", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := export.ParseFormat(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, domain.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat_Attachment(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "execution-e1.xlsx", export.FormatXLSX.Filename("e1"))
	assert.Equal(t, "text/csv; charset=utf-8", export.FormatCSV.ContentType())
}
