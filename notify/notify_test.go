package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turndetect-automation/detector"
	"turndetect-automation/storage"
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

type fakePublisher struct {
	keys []string
	msgs []amqp.Publishing
	err  error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, exchange+"/"+key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func ptr[T any](v T) *T { return &v }

var (
	owner = &storage.Owner{ID: "u1", TelegramID: 4242, FirstName: "Ada"}
	job   = storage.Job{ID: "J1", UserID: "u1", FileName: "essay <final>.pdf", SubmissionID: "S1"}
)

func TestTelegramCompletedMessage(t *testing.T) {
	sender := &fakeSender{}
	tg := NewTelegramWithSender(sender, quiet())

	snap := &detector.StatusSnapshot{
		ID:                       "S1",
		Status:                   "completed",
		AIMatchPercentage:        ptr(12.5),
		OverallMatchPercentage:   ptr(3.0),
		WordCount:                ptr(int64(850)),
		HiddenTextInstancesCount: 2,
	}
	reports := storage.ReportURLs{Similarity: "https://cdn.example.com/r/S1/similarity.pdf"}

	require.NoError(t, tg.NotifyCompleted(context.Background(), owner, job, snap, reports))
	require.Len(t, sender.sent, 1)

	msg := sender.sent[0]
	assert.Equal(t, int64(4242), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)
	assert.Contains(t, msg.Text, "Document Analysis Complete!")
	assert.Contains(t, msg.Text, "essay &lt;final&gt;.pdf")
	assert.Contains(t, msg.Text, "<b>Submission ID:</b> S1")
	assert.Contains(t, msg.Text, "<b>AI Detection:</b> 12.5%")
	assert.Contains(t, msg.Text, "<b>Similarity:</b> 3%")
	assert.Contains(t, msg.Text, "<b>Word Count:</b> 850")
	assert.Contains(t, msg.Text, "<b>Hidden Text:</b> 2 instances")
	assert.NotContains(t, msg.Text, "Page Count")
	assert.Contains(t, msg.Text, `<a href="https://cdn.example.com/r/S1/similarity.pdf">Similarity Report</a>`)
	assert.NotContains(t, msg.Text, "AI Detection Report")
}

func TestTelegramMessages(t *testing.T) {
	t.Run("reports pending", func(t *testing.T) {
		text := completedMessage(job, nil, storage.ReportURLs{})
		assert.Contains(t, text, "No analytic results available yet.")
		assert.Contains(t, text, "Reports are being generated")
	})

	t.Run("failure", func(t *testing.T) {
		text := failedMessage(job, "Upload API response timeout")
		assert.Contains(t, text, "Document Analysis Failed")
		assert.Contains(t, text, "Upload API response timeout")
		assert.Contains(t, failedMessage(job, ""), "Unknown error occurred")
	})

	t.Run("processing", func(t *testing.T) {
		assert.Contains(t, processingMessage(job), "Document Processing Started")
	})
}

func TestTelegramSkipsOwnerWithoutChat(t *testing.T) {
	sender := &fakeSender{}
	tg := NewTelegramWithSender(sender, quiet())

	err := tg.NotifyFailed(context.Background(), &storage.Owner{ID: "u2"}, job, "boom")
	assert.ErrorIs(t, err, ErrNoRecipient)
	assert.ErrorIs(t, tg.NotifyProcessingStarted(context.Background(), nil, job), ErrNoRecipient)
	assert.Empty(t, sender.sent)
}

type stalledSender struct {
	release chan struct{}
}

func (s *stalledSender) Send(tgbotapi.Chattable) (tgbotapi.Message, error) {
	<-s.release
	return tgbotapi.Message{}, nil
}

func TestTelegramStalledSendIsBounded(t *testing.T) {
	sender := &stalledSender{release: make(chan struct{})}
	defer close(sender.release)
	tg := NewTelegramWithSender(sender, quiet())
	tg.timeout = 20 * time.Millisecond

	start := time.Now()
	err := tg.NotifyFailed(context.Background(), owner, job, "boom")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tg.timeout = time.Hour
	assert.ErrorIs(t, tg.NotifyProcessingStarted(ctx, owner, job), context.Canceled)
}

func TestMultiReachesLogAfterStalledTelegram(t *testing.T) {
	sender := &stalledSender{release: make(chan struct{})}
	defer close(sender.release)
	tg := NewTelegramWithSender(sender, quiet())
	tg.timeout = 20 * time.Millisecond
	pub := &fakePublisher{}

	m := Multi{tg, NewAMQPWithPublisher(pub, "turndetect.jobs", quiet())}
	err := m.NotifyCompleted(context.Background(), owner, job, &detector.StatusSnapshot{ID: "S1", Status: detector.StatusCompleted}, storage.ReportURLs{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, pub.keys, 1, "later notifiers still run")
}

func TestAMQPPublishesEvents(t *testing.T) {
	pub := &fakePublisher{}
	a := NewAMQPWithPublisher(pub, "turndetect.jobs", quiet())
	a.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	require.NoError(t, a.NotifyProcessingStarted(ctx, owner, job))
	require.NoError(t, a.NotifyCompleted(ctx, owner, job, &detector.StatusSnapshot{AIMatchPercentage: ptr(40.0)}, storage.ReportURLs{AI: "https://x/ai.pdf"}))
	require.NoError(t, a.NotifyFailed(ctx, nil, job, "File input not found on page"))

	assert.Equal(t, []string{
		"turndetect.jobs/job.processing",
		"turndetect.jobs/job.completed",
		"turndetect.jobs/job.failed",
	}, pub.keys)

	var completed JobEvent
	require.NoError(t, json.Unmarshal(pub.msgs[1].Body, &completed))
	assert.Equal(t, "J1", completed.JobID)
	assert.Equal(t, int64(4242), completed.TelegramID)
	require.NotNil(t, completed.AI)
	assert.Equal(t, 40.0, *completed.AI)
	assert.Equal(t, "https://x/ai.pdf", completed.AIURL)

	var failed JobEvent
	require.NoError(t, json.Unmarshal(pub.msgs[2].Body, &failed))
	assert.Equal(t, "File input not found on page", failed.Reason)
	assert.Zero(t, failed.TelegramID)
	assert.Equal(t, "application/json", pub.msgs[2].ContentType)
}

func TestMultiContinuesAfterFailure(t *testing.T) {
	broken := NewAMQPWithPublisher(&fakePublisher{err: errors.New("channel closed")}, "x", quiet())
	sender := &fakeSender{}
	m := Multi{broken, NewTelegramWithSender(sender, quiet()), NewLog(quiet())}

	err := m.NotifyFailed(context.Background(), owner, job, "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel closed")
	assert.Len(t, sender.sent, 1)

	assert.NoError(t, Multi{NewLog(quiet())}.NotifyCompleted(context.Background(), owner, job, nil, storage.ReportURLs{}))
}
