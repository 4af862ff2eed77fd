// Package domain provides the batch-runner domain model: batches, executions,
// jobs and their attempt sessions.
package domain

import (
	"net/url"
	"strings"
	"time"
)

// Batch is a named set of sites handed to the agent with one goal.
type Batch struct {
	ID        string    `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	Goal      string    `db:"goal"       json:"goal"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Site is one job to create when a batch is imported.
type Site struct {
	Name        string   `json:"site_name"`
	URL         string   `json:"site_url"`
	GroundTruth JSONBMap `json:"ground_truth,omitempty"`
}

// ValidateBatchInput checks a batch import request.
func ValidateBatchInput(name string, sites []Site) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("name", "is required")
	}
	if len(sites) == 0 {
		return NewValidationError("sites", "at least one site is required")
	}
	for _, s := range sites {
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return NewValidationError("site_url", "must be an absolute http(s) URL: "+s.URL)
		}
	}
	return nil
}
