package detector

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// StatusSnapshot is the latest processing state of a submission as reported
// by the status endpoint. Missing fields stay at their zero value or nil.
type StatusSnapshot struct {
	ID           string
	Status       string
	IsProcessing bool

	OverallMatchPercentage *float64
	AIMatchPercentage      *float64
	WordCount              *int64
	PageCount              *int64

	HiddenTextInstancesCount int64
	ConfusableCountTotal     int64
	SuspectWordsCount        int64

	SimilarityReportURL string
	AIReportURL         string

	SimilarityReportError string
	AIReportError         string
	AuthorshipFlagsError  string

	Raw json.RawMessage
}

// Completed reports whether the remote service finished processing.
func (s *StatusSnapshot) Completed() bool {
	return s != nil && s.Status == StatusCompleted
}

// Failed reports whether the remote service gave up on the submission.
func (s *StatusSnapshot) Failed() bool {
	return s != nil && s.Status == StatusFailed
}

// FailureReason returns the first error the remote service reported.
func (s *StatusSnapshot) FailureReason() string {
	for _, msg := range []string{s.SimilarityReportError, s.AIReportError, s.AuthorshipFlagsError} {
		if msg != "" {
			return msg
		}
	}
	return "Processing failed"
}

// ParseStatus reads a status poll body.
func ParseStatus(body []byte) (*StatusSnapshot, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("status body is not valid json")
	}
	doc := gjson.ParseBytes(body)

	snap := &StatusSnapshot{
		ID:                       doc.Get("id").String(),
		Status:                   doc.Get("status").String(),
		IsProcessing:             doc.Get("is_processing").Bool() || doc.Get("processing").Bool(),
		OverallMatchPercentage:   optFloat(doc.Get("overall_match_percentage")),
		AIMatchPercentage:        optFloat(doc.Get("ai_match_percentage")),
		WordCount:                optInt(doc.Get("word_count")),
		PageCount:                optInt(doc.Get("page_count")),
		HiddenTextInstancesCount: doc.Get("hidden_text_instances_count").Int(),
		ConfusableCountTotal:     doc.Get("confusable_count_total").Int(),
		SuspectWordsCount:        doc.Get("suspect_words_count").Int(),
		SimilarityReportURL:      doc.Get("similarity_report_url").String(),
		AIReportURL:              doc.Get("ai_report_url").String(),
		SimilarityReportError:    doc.Get("similarity_report_error").String(),
		AIReportError:            doc.Get("ai_report_error").String(),
		AuthorshipFlagsError:     doc.Get("authorship_flags_error").String(),
		Raw:                      append(json.RawMessage(nil), body...),
	}
	return snap, nil
}

// ParseUpload extracts the submission id from an upload response.
func ParseUpload(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("upload body is not valid json")
	}
	id := gjson.GetBytes(body, "submission_id")
	if !id.Exists() || id.String() == "" {
		return "", fmt.Errorf("upload body has no submission_id")
	}
	return id.String(), nil
}

func optFloat(r gjson.Result) *float64 {
	if r.Type != gjson.Number {
		return nil
	}
	v := r.Float()
	return &v
}

func optInt(r gjson.Result) *int64 {
	if r.Type != gjson.Number {
		return nil
	}
	v := r.Int()
	return &v
}
