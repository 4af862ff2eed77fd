package domain

import "time"

// Session is one attempt at a job. Session numbers run 1..N per job, and at
// most one session per job is pending or running.
type Session struct {
	ID            string        `db:"id"             json:"id"`
	JobID         string        `db:"job_id"         json:"job_id"`
	SessionNumber int           `db:"session_number" json:"session_number"`
	Status        SessionStatus `db:"status"         json:"status"`

	ExtractedData        JSONBMap `db:"extracted_data"        json:"extracted_data,omitempty"`
	FieldsExtracted      int      `db:"fields_extracted"      json:"fields_extracted"`
	FieldsMissing        int      `db:"fields_missing"        json:"fields_missing"`
	CompletionPercentage float64  `db:"completion_percentage" json:"completion_percentage"`

	ErrorMessage  string        `db:"error_message"  json:"error_message,omitempty"`
	FailureReason AgentCategory `db:"failure_reason" json:"failure_reason,omitempty"`
	Screenshots   StringList    `db:"screenshots"    json:"screenshots,omitempty"`
	StreamingURL  string        `db:"streaming_url"  json:"streaming_url,omitempty"`
	RunID         string        `db:"run_id"         json:"run_id,omitempty"`

	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.ExtractedData = s.ExtractedData.Clone()
	if s.Screenshots != nil {
		c.Screenshots = append(StringList(nil), s.Screenshots...)
	}
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	return &c
}

// Clone returns a copy.
func (b *Batch) Clone() *Batch {
	c := *b
	return &c
}
