package detector

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoints locates the remote detection API. Matching is by path suffix
// on the configured API host so that query strings and versions do not matter.
type Endpoints struct {
	host string
	base string
}

// Kind classifies an intercepted API call.
type Kind int

const (
	KindOther Kind = iota
	KindValidateToken
	KindUpload
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindValidateToken:
		return "validate-token"
	case KindUpload:
		return "upload"
	case KindStatus:
		return "status"
	default:
		return "other"
	}
}

// ReportKind names one of the two downloadable reports.
type ReportKind string

const (
	ReportSimilarity ReportKind = "similarity"
	ReportAI         ReportKind = "ai"
)

// NewEndpoints parses the API base URL.
func NewEndpoints(apiBaseURL string) (Endpoints, error) {
	u, err := url.Parse(apiBaseURL)
	if err != nil {
		return Endpoints{}, fmt.Errorf("failed to parse api base url: %w", err)
	}
	if u.Host == "" {
		return Endpoints{}, fmt.Errorf("api base url %q has no host", apiBaseURL)
	}
	return Endpoints{host: u.Host, base: strings.TrimRight(apiBaseURL, "/")}, nil
}

// Wants reports whether a response from rawURL should be captured.
func (e Endpoints) Wants(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Host == e.host
}

// Classify maps a request URL to the API call it represents.
func (e Endpoints) Classify(rawURL string) Kind {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host != e.host {
		return KindOther
	}
	path := strings.TrimRight(u.Path, "/")
	switch {
	case strings.HasSuffix(path, "/validate-token"):
		return KindValidateToken
	case strings.HasSuffix(path, "/upload"):
		return KindUpload
	case strings.Contains(path, "/status/"):
		return KindStatus
	default:
		return KindOther
	}
}

// ReportURL is the link endpoint for one report of a submission.
func (e Endpoints) ReportURL(submissionID string, kind ReportKind) string {
	suffix := "integrity-pdf"
	if kind == ReportAI {
		suffix = "aiw"
	}
	return fmt.Sprintf("%s/download/%s/%s", e.base, url.PathEscape(submissionID), suffix)
}
