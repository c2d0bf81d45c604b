// Package reports copies a finished submission's reports from the detection
// service into object storage and records where they landed.
package reports

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"turndetect-automation/detector"
	"turndetect-automation/objectstore"
	"turndetect-automation/storage"
)

// DefaultPrefetchTimeout bounds a background prefetch.
const DefaultPrefetchTimeout = 3 * time.Minute

// Client reaches the detection service's report endpoints.
type Client interface {
	ReportLink(ctx context.Context, token, submissionID string, kind detector.ReportKind) (*detector.ReportLink, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Tracker records the stored report locations.
type Tracker interface {
	UpdateReportURLs(ctx context.Context, submissionID string, urls storage.ReportURLs) error
}

// TokenSource supplies the captured access token.
type TokenSource interface {
	AccessToken() string
	TokenExpiry() time.Time
}

// Retriever fetches reports once per submission, no matter how many callers
// ask concurrently.
type Retriever struct {
	client  Client
	store   objectstore.Store
	tracker Tracker
	tokens  TokenSource
	logger  *logrus.Logger

	prefetchTimeout time.Duration

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]storage.ReportURLs
	wg    sync.WaitGroup
}

// NewRetriever creates a report retriever.
func NewRetriever(client Client, store objectstore.Store, tracker Tracker, tokens TokenSource, logger *logrus.Logger) *Retriever {
	return &Retriever{
		client:          client,
		store:           store,
		tracker:         tracker,
		tokens:          tokens,
		logger:          logger,
		prefetchTimeout: DefaultPrefetchTimeout,
		cache:           make(map[string]storage.ReportURLs),
	}
}

// Fetch returns the public URLs of the submission's reports. Failures are
// logged and leave the matching URL empty.
func (r *Retriever) Fetch(ctx context.Context, submissionID string) storage.ReportURLs {
	r.mu.Lock()
	cached, ok := r.cache[submissionID]
	r.mu.Unlock()
	if ok {
		return cached
	}

	v, _, _ := r.group.Do(submissionID, func() (interface{}, error) {
		r.mu.Lock()
		cached, ok := r.cache[submissionID]
		r.mu.Unlock()
		if ok {
			return cached, nil
		}

		urls := r.fetch(ctx, submissionID)
		if !urls.Empty() {
			r.mu.Lock()
			r.cache[submissionID] = urls
			r.mu.Unlock()
		}
		return urls, nil
	})
	return v.(storage.ReportURLs)
}

// Prefetch starts Fetch in the background.
func (r *Retriever) Prefetch(submissionID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.prefetchTimeout)
		defer cancel()

		urls := r.Fetch(ctx, submissionID)
		r.logger.WithFields(logrus.Fields{
			"submission_id":  submissionID,
			"similarity_url": urls.Similarity,
			"ai_url":         urls.AI,
		}).Debug("Report prefetch finished")
	}()
}

// Wait blocks until running prefetches finish.
func (r *Retriever) Wait() {
	r.wg.Wait()
}

func (r *Retriever) fetch(ctx context.Context, submissionID string) storage.ReportURLs {
	log := r.logger.WithField("submission_id", submissionID)

	token := r.tokens.AccessToken()
	if token == "" {
		log.Warn("No access token captured, cannot download reports")
		return storage.ReportURLs{}
	}
	if exp := r.tokens.TokenExpiry(); !exp.IsZero() && time.Now().After(exp) {
		log.WithField("expired_at", exp).Warn("Access token has expired, report downloads may be refused")
	}

	var urls storage.ReportURLs
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := r.copyReport(gctx, token, submissionID, detector.ReportSimilarity)
		if err != nil {
			log.WithError(err).Warn("Failed to retrieve similarity report")
			return nil
		}
		urls.Similarity = u
		return nil
	})
	g.Go(func() error {
		u, err := r.copyReport(gctx, token, submissionID, detector.ReportAI)
		if err != nil {
			log.WithError(err).Warn("Failed to retrieve AI report")
			return nil
		}
		urls.AI = u
		return nil
	})
	_ = g.Wait()

	if urls.Empty() {
		return urls
	}

	if err := r.tracker.UpdateReportURLs(ctx, submissionID, urls); err != nil {
		log.WithError(err).Warn("Failed to record report urls")
	}
	log.WithFields(logrus.Fields{
		"similarity_url": urls.Similarity,
		"ai_url":         urls.AI,
	}).Info("Reports stored")
	return urls
}

func (r *Retriever) copyReport(ctx context.Context, token, submissionID string, kind detector.ReportKind) (string, error) {
	link, err := r.client.ReportLink(ctx, token, submissionID, kind)
	if err != nil {
		return "", err
	}
	data, err := r.client.Download(ctx, link.DownloadURL)
	if err != nil {
		return "", err
	}

	mtype := mimetype.Detect(data)
	ext := mtype.Extension()
	if ext == "" {
		ext = path.Ext(link.Filename)
	}
	if ext == "" {
		ext = ".pdf"
	}

	key := fmt.Sprintf("reports/%s/%s%s", submissionID, kind, ext)
	url, err := r.store.Upload(ctx, key, data, mtype.String())
	if err != nil {
		return "", err
	}
	return url, nil
}
