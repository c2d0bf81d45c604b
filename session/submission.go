package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"turndetect-automation/detector"
)

var ErrWaitTimeout = errors.New("wait timed out")

// Submission tracks one job's remote submission. The interceptor resolves
// its futures and the upload pipeline awaits them.
type Submission struct {
	mu         sync.Mutex
	id         string
	uploadBody json.RawMessage
	latest     *detector.StatusSnapshot
	terminal   *detector.StatusSnapshot

	uploaded   chan struct{}
	uploadOnce sync.Once

	finished   chan struct{}
	finishOnce sync.Once
}

func newSubmission() *Submission {
	return &Submission{
		uploaded: make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// RecordUpload stores the upload response. Later calls are ignored.
func (s *Submission) RecordUpload(id string, body []byte) bool {
	first := false
	s.uploadOnce.Do(func() {
		s.mu.Lock()
		s.id = id
		s.uploadBody = append(json.RawMessage(nil), body...)
		s.mu.Unlock()
		close(s.uploaded)
		first = true
	})
	return first
}

// ID returns the submission id, or "" before the upload response arrived.
func (s *Submission) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// UploadResponse returns the raw upload response body.
func (s *Submission) UploadResponse() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadBody
}

// RecordStatus stores a status snapshot. It returns true when the snapshot
// is the first terminal one for this submission; snapshots for another
// submission id or arriving before the upload response never resolve.
func (s *Submission) RecordStatus(snap *detector.StatusSnapshot) bool {
	s.mu.Lock()
	s.latest = snap
	id := s.id
	s.mu.Unlock()

	if id == "" || (snap.ID != "" && snap.ID != id) {
		return false
	}
	if !snap.Completed() && !snap.Failed() {
		return false
	}

	first := false
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.terminal = snap
		s.mu.Unlock()
		close(s.finished)
		first = true
	})
	return first
}

// Latest returns the most recent snapshot seen.
func (s *Submission) Latest() *detector.StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// WaitUploaded blocks until the upload response is recorded.
func (s *Submission) WaitUploaded(ctx context.Context, timeout time.Duration) (string, error) {
	if err := wait(ctx, s.uploaded, timeout); err != nil {
		return "", err
	}
	return s.ID(), nil
}

// WaitTerminal blocks until a completed or failed snapshot is recorded.
func (s *Submission) WaitTerminal(ctx context.Context, timeout time.Duration) (*detector.StatusSnapshot, error) {
	if err := wait(ctx, s.finished, timeout); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal, nil
}

func wait(ctx context.Context, ch <-chan struct{}, timeout time.Duration) error {
	select {
	case <-ch:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
