package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"turndetect-automation/detector"
	"turndetect-automation/storage"
)

const (
	EventProcessing = "job.processing"
	EventCompleted  = "job.completed"
	EventFailed     = "job.failed"
)

// Publisher is the part of an AMQP channel used to emit events.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// JobEvent is the JSON body published for every job transition.
type JobEvent struct {
	Event         string    `json:"event"`
	JobID         string    `json:"job_id"`
	UserID        string    `json:"user_id,omitempty"`
	TelegramID    int64     `json:"telegram_id,omitempty"`
	FileName      string    `json:"file_name"`
	SubmissionID  string    `json:"submission_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Similarity    *float64  `json:"overall_match_percentage,omitempty"`
	AI            *float64  `json:"ai_match_percentage,omitempty"`
	SimilarityURL string    `json:"similarity_report_url,omitempty"`
	AIURL         string    `json:"ai_report_url,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// AMQP publishes job events to a topic exchange, keyed by event name.
type AMQP struct {
	publisher Publisher
	exchange  string
	conn      *amqp.Connection
	channel   *amqp.Channel
	now       func() time.Time
	logger    *logrus.Logger
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(url, exchange string, logger *logrus.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	a := NewAMQPWithPublisher(ch, exchange, logger)
	a.conn = conn
	a.channel = ch
	logger.WithField("exchange", exchange).Info("AMQP job events enabled")
	return a, nil
}

// NewAMQPWithPublisher publishes through an existing channel.
func NewAMQPWithPublisher(p Publisher, exchange string, logger *logrus.Logger) *AMQP {
	return &AMQP{publisher: p, exchange: exchange, now: time.Now, logger: logger}
}

// Close closes the channel and connection opened by DialAMQP.
func (a *AMQP) Close() error {
	if a.channel != nil {
		a.channel.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

func (a *AMQP) event(name string, owner *storage.Owner, job storage.Job) JobEvent {
	ev := JobEvent{
		Event:        name,
		JobID:        job.ID,
		UserID:       job.UserID,
		FileName:     job.FileName,
		SubmissionID: job.SubmissionID,
		OccurredAt:   a.now().UTC(),
	}
	if owner != nil {
		ev.TelegramID = owner.TelegramID
	}
	return ev
}

func (a *AMQP) publish(ctx context.Context, ev JobEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode job event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultSendTimeout)
	defer cancel()

	err = a.publisher.PublishWithContext(ctx, a.exchange, ev.Event, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.JobID + ":" + ev.Event,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev.Event, err)
	}
	a.logger.WithFields(logrus.Fields{"event": ev.Event, "job_id": ev.JobID}).Debug("Job event published")
	return nil
}

func (a *AMQP) NotifyProcessingStarted(ctx context.Context, owner *storage.Owner, job storage.Job) error {
	return a.publish(ctx, a.event(EventProcessing, owner, job))
}

func (a *AMQP) NotifyCompleted(ctx context.Context, owner *storage.Owner, job storage.Job, snap *detector.StatusSnapshot, reports storage.ReportURLs) error {
	ev := a.event(EventCompleted, owner, job)
	if snap != nil {
		ev.Similarity = snap.OverallMatchPercentage
		ev.AI = snap.AIMatchPercentage
	}
	ev.SimilarityURL = reports.Similarity
	ev.AIURL = reports.AI
	return a.publish(ctx, ev)
}

func (a *AMQP) NotifyFailed(ctx context.Context, owner *storage.Owner, job storage.Job, reason string) error {
	ev := a.event(EventFailed, owner, job)
	ev.Reason = reason
	return a.publish(ctx, ev)
}
