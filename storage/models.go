package storage

import (
	"errors"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of an upload job
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusUploading  JobStatus = "uploading"
	StatusUploaded   JobStatus = "uploaded"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the queue may move on from a job in this status
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusUploaded
}

// InFlight reports whether a job in this status is being driven through the browser
func (s JobStatus) InFlight() bool {
	return s == StatusProcessing || s == StatusUploading
}

var ErrJobNotFound = errors.New("job not found")

// Job represents a document queued for submission
type Job struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	FilePath     string    `json:"file_path"`
	FileName     string    `json:"file_name"`
	Status       JobStatus `json:"status"`
	SubmissionID string    `json:"submission_id,omitempty"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Owner is the user who enqueued a job
type Owner struct {
	ID         string `json:"id"`
	TelegramID int64  `json:"telegram_id"`
	Username   string `json:"username,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
}

// DisplayName returns the friendliest name available
func (o *Owner) DisplayName() string {
	if o == nil {
		return ""
	}
	if name := strings.TrimSpace(o.FirstName + " " + o.LastName); name != "" {
		return name
	}
	if o.Username != "" {
		return "@" + o.Username
	}
	return o.ID
}

// JobWithOwner joins a job with its owner; Owner is nil when the user row is missing
type JobWithOwner struct {
	Job   Job
	Owner *Owner
}

// StatusExtra carries optional columns written with a status transition
type StatusExtra struct {
	SubmissionID string
	Note         string
}

// ReportURLs are the public links of the stored reports
type ReportURLs struct {
	Similarity string `json:"similarity,omitempty"`
	AI         string `json:"ai,omitempty"`
}

// Empty reports whether no report was stored
func (r ReportURLs) Empty() bool {
	return r.Similarity == "" && r.AI == ""
}
