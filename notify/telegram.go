package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"turndetect-automation/detector"
	"turndetect-automation/storage"
)

// DefaultSendTimeout bounds one Telegram delivery.
const DefaultSendTimeout = 15 * time.Second

// Sender is the part of the bot API used to deliver messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram messages job owners through a bot in HTML parse mode.
type Telegram struct {
	bot     Sender
	timeout time.Duration
	logger  *logrus.Logger
}

// NewTelegram connects the bot with token.
func NewTelegram(token string, logger *logrus.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: DefaultSendTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.WithField("bot", bot.Self.UserName).Info("Telegram bot connected")
	return NewTelegramWithSender(bot, logger), nil
}

// NewTelegramWithSender wraps an existing sender.
func NewTelegramWithSender(bot Sender, logger *logrus.Logger) *Telegram {
	return &Telegram{bot: bot, timeout: DefaultSendTimeout, logger: logger}
}

func (t *Telegram) send(ctx context.Context, owner *storage.Owner, job storage.Job, text string, preview bool) error {
	if owner == nil || owner.TelegramID == 0 {
		t.logger.WithField("job_id", job.ID).Warn("Job owner has no telegram id, skipping notification")
		return ErrNoRecipient
	}

	msg := tgbotapi.NewMessage(owner.TelegramID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = !preview

	if err := t.deliver(ctx, msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	t.logger.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"telegram_id": owner.TelegramID,
	}).Debug("Telegram notification sent")
	return nil
}

// deliver sends msg without letting a stalled bot API hold the caller past
// the send timeout or ctx. The bot API call itself has no context.
func (t *Telegram) deliver(ctx context.Context, msg tgbotapi.MessageConfig) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(msg)
		errc <- err
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Telegram) NotifyProcessingStarted(ctx context.Context, owner *storage.Owner, job storage.Job) error {
	return t.send(ctx, owner, job, processingMessage(job), false)
}

func (t *Telegram) NotifyCompleted(ctx context.Context, owner *storage.Owner, job storage.Job, snap *detector.StatusSnapshot, reports storage.ReportURLs) error {
	return t.send(ctx, owner, job, completedMessage(job, snap, reports), true)
}

func (t *Telegram) NotifyFailed(ctx context.Context, owner *storage.Owner, job storage.Job, reason string) error {
	return t.send(ctx, owner, job, failedMessage(job, reason), false)
}

func processingMessage(job storage.Job) string {
	var b strings.Builder
	b.WriteString("⏳ <b>Document Processing Started</b>\n\n")
	fmt.Fprintf(&b, "📄 <b>File:</b> %s\n", html.EscapeString(job.FileName))
	b.WriteString("\nYour document is being analyzed. You'll receive a notification when it's complete.")
	return b.String()
}

func failedMessage(job storage.Job, reason string) string {
	if reason == "" {
		reason = "Unknown error occurred"
	}
	var b strings.Builder
	b.WriteString("❌ <b>Document Analysis Failed</b>\n\n")
	fmt.Fprintf(&b, "📄 <b>File:</b> %s\n", html.EscapeString(job.FileName))
	fmt.Fprintf(&b, "⚠️ <b>Error:</b> %s\n\n", html.EscapeString(reason))
	b.WriteString("Please try uploading your document again or contact support if the issue persists.")
	return b.String()
}

func completedMessage(job storage.Job, snap *detector.StatusSnapshot, reports storage.ReportURLs) string {
	var b strings.Builder
	b.WriteString("✅ <b>Document Analysis Complete!</b>\n\n")
	fmt.Fprintf(&b, "📄 <b>File:</b> %s\n", html.EscapeString(job.FileName))
	fmt.Fprintf(&b, "🆔 <b>Submission ID:</b> %s\n\n", html.EscapeString(job.SubmissionID))

	writeResults(&b, snap)

	if reports.Empty() {
		b.WriteString("\n⚠️ Reports are being generated and will be available shortly.")
		return b.String()
	}
	b.WriteString("\n📎 <b>Download Reports:</b>\n\n")
	if reports.Similarity != "" {
		fmt.Fprintf(&b, "📄 <a href=\"%s\">Similarity Report</a>\n", html.EscapeString(reports.Similarity))
	}
	if reports.AI != "" {
		fmt.Fprintf(&b, "🤖 <a href=\"%s\">AI Detection Report</a>\n", html.EscapeString(reports.AI))
	}
	return b.String()
}

func writeResults(b *strings.Builder, snap *detector.StatusSnapshot) {
	if snap == nil {
		b.WriteString("No analytic results available yet.\n")
		return
	}

	b.WriteString("📊 <b>Analysis Results:</b>\n\n")
	if snap.AIMatchPercentage != nil {
		fmt.Fprintf(b, "🤖 <b>AI Detection:</b> %s%%\n", formatFloat(*snap.AIMatchPercentage))
	}
	if snap.OverallMatchPercentage != nil {
		fmt.Fprintf(b, "📄 <b>Similarity:</b> %s%%\n", formatFloat(*snap.OverallMatchPercentage))
	}
	if snap.WordCount != nil {
		fmt.Fprintf(b, "📝 <b>Word Count:</b> %d\n", *snap.WordCount)
	}
	if snap.PageCount != nil {
		fmt.Fprintf(b, "📑 <b>Page Count:</b> %d\n", *snap.PageCount)
	}
	if snap.HiddenTextInstancesCount > 0 {
		fmt.Fprintf(b, "⚠️ <b>Hidden Text:</b> %d instances\n", snap.HiddenTextInstancesCount)
	}
	if snap.ConfusableCountTotal > 0 {
		fmt.Fprintf(b, "⚠️ <b>Confusable Characters:</b> %d\n", snap.ConfusableCountTotal)
	}
	if snap.SuspectWordsCount > 0 {
		fmt.Fprintf(b, "⚠️ <b>Suspect Words:</b> %d\n", snap.SuspectWordsCount)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
