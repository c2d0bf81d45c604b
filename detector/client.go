package detector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// DefaultTimeout bounds every report request.
	DefaultTimeout = 60 * time.Second

	// maxReportSize caps a downloaded report.
	maxReportSize = 50 << 20
)

// ReportLink is the download location the API hands out for a report.
type ReportLink struct {
	DownloadURL string
	Filename    string
}

// APIError is a non-200 answer from the detection API.
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("detector api %s returned %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// Client performs the privileged report calls with a captured access token.
type Client struct {
	endpoints  Endpoints
	httpClient *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a report client for the given endpoints.
func NewClient(endpoints Endpoints, opts ...ClientOption) *Client {
	c := &Client{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReportLink asks the API where a report can be downloaded.
func (c *Client) ReportLink(ctx context.Context, token, submissionID string, kind ReportKind) (*ReportLink, error) {
	endpoint := c.endpoints.ReportURL(submissionID, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-access-token", token)
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	link := &ReportLink{
		DownloadURL: gjson.GetBytes(body, "download_url").String(),
		Filename:    gjson.GetBytes(body, "filename").String(),
	}
	if link.DownloadURL == "" {
		return nil, fmt.Errorf("no download url for %s report", kind)
	}
	return link, nil
}

// Download fetches the bytes behind a report link.
func (c *Client) Download(ctx context.Context, downloadURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReportSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Endpoint: req.URL.Path, Message: string(body)}
	}
	return body, nil
}
