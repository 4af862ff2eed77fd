package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Job is one site to automate within a batch.
type Job struct {
	ID          string    `db:"id"           json:"id"`
	BatchID     string    `db:"batch_id"     json:"batch_id"`
	ExecutionID *string   `db:"execution_id" json:"execution_id,omitempty"`
	SiteName    string    `db:"site_name"    json:"site_name"`
	SiteURL     string    `db:"site_url"     json:"site_url"`
	Status      JobStatus `db:"status"       json:"status"`

	ProgressPercentage float64 `db:"progress_percentage" json:"progress_percentage"`
	CurrentStep        string  `db:"current_step"        json:"current_step,omitempty"`
	CurrentURL         string  `db:"current_url"         json:"current_url,omitempty"`

	RetryCount   int       `db:"retry_count"   json:"retry_count"`
	GroundTruth  JSONBMap  `db:"ground_truth"  json:"ground_truth,omitempty"`
	Result       JobResult `db:"result"        json:"result,omitempty"`
	ErrorMessage string    `db:"error_message" json:"error_message,omitempty"`

	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updated_at"`
}

// BelongsTo reports whether the job is currently owned by executionID.
func (j *Job) BelongsTo(executionID string) bool {
	return j.ExecutionID != nil && *j.ExecutionID == executionID
}

// Transition moves the job to status `to`, stamping timestamps and clearing
// per-attempt fields when it returns to the queue.
func (j *Job) Transition(to JobStatus, now time.Time) error {
	if err := ValidateJobTransition(j.Status, to); err != nil {
		return NewConflictError("job", j.ID, "cannot move from %s to %s", j.Status, to)
	}

	switch to {
	case JobQueued:
		j.StartedAt = nil
		j.CompletedAt = nil
		j.ProgressPercentage = 0
		j.CurrentStep = ""
		j.CurrentURL = ""
		j.Result = ResultNone
		j.ErrorMessage = ""
	case JobRunning:
		j.StartedAt = &now
		j.CompletedAt = nil
	case JobCompleted, JobFailed, JobBlocked:
		j.CompletedAt = &now
	}

	j.Status = to
	j.UpdatedAt = now
	return nil
}

// Duration returns the elapsed time of the last attempt, zero while unfinished.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Evaluate compares extracted data against the job's ground truth. Values match
// when their string forms are equal after trimming, ignoring case. A job
// without ground truth passes.
func (j *Job) Evaluate(extracted map[string]any) JobResult {
	for field, expected := range j.GroundTruth {
		actual, ok := extracted[field]
		if !ok || !sameValue(expected, actual) {
			return ResultFail
		}
	}
	return ResultPass
}

func sameValue(expected, actual any) bool {
	return strings.EqualFold(
		strings.TrimSpace(fmt.Sprint(expected)),
		strings.TrimSpace(fmt.Sprint(actual)),
	)
}

// GroundTruthFields returns the sorted ground-truth field names.
func (j *Job) GroundTruthFields() []string {
	fields := make([]string, 0, len(j.GroundTruth))
	for k := range j.GroundTruth {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	if j.ExecutionID != nil {
		id := *j.ExecutionID
		c.ExecutionID = &id
	}
	c.GroundTruth = j.GroundTruth.Clone()
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}
