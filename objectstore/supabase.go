package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Supabase talks to the Supabase Storage REST API.
type Supabase struct {
	baseURL       string
	key           string
	bucket        string
	reportsBucket string
	httpClient    *http.Client
	logger        *logrus.Logger
}

// NewSupabase creates a store for bucket. Reports are written to reportsBucket.
func NewSupabase(baseURL, key, bucket, reportsBucket string, logger *logrus.Logger) *Supabase {
	if reportsBucket == "" {
		reportsBucket = bucket
	}
	return &Supabase{
		baseURL:       strings.TrimRight(baseURL, "/"),
		key:           key,
		bucket:        bucket,
		reportsBucket: reportsBucket,
		httpClient:    &http.Client{Timeout: 2 * time.Minute},
		logger:        logger,
	}
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// PublicURL is the unauthenticated link of an object.
func (s *Supabase) PublicURL(bucket, path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, bucket, escapePath(path))
}

// Download reads a document from the public bucket.
func (s *Supabase) Download(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.PublicURL(s.bucket, path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.key)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest {
		return nil, fmt.Errorf("failed to download %s: %w", path, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: status %d", path, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	s.logger.WithFields(logrus.Fields{"path": path, "bytes": len(data)}).Debug("Object downloaded")
	return data, nil
}

// Upload writes data, replacing any previous object, and returns its public URL.
func (s *Supabase) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.reportsBucket, escapePath(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("apikey", s.key)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("failed to upload %s: status %d: %s", path, resp.StatusCode, string(body))
	}

	s.logger.WithField("path", path).Debug("Object uploaded")
	return s.PublicURL(s.reportsBucket, path), nil
}
