// Package notify delivers operational alerts about failed jobs to a
// Telegram chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"dsched/internal/scheduler"
	"dsched/internal/shared"
)

// Sender is the part of the Telegram client the notifier needs.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Options tune alert delivery.
type Options struct {
	// MinInterval is the steady-state pause between alerts. Burst lets a
	// short spike of distinct failures through before throttling kicks in.
	MinInterval time.Duration
	Burst       int
	SendTimeout time.Duration
}

// DefaultOptions returns delivery settings suitable for a low-traffic
// alert chat.
func DefaultOptions() Options {
	return Options{
		MinInterval: 30 * time.Second,
		Burst:       3,
		SendTimeout: 10 * time.Second,
	}
}

// Notifier implements scheduler.Listener: successful runs and skips are
// ignored, failures become Telegram messages. Sending happens in its own
// goroutine, so a slow Bot API call never delays the job that produced
// the event. Alerts over the rate limit are dropped, not queued.
type Notifier struct {
	logger  *slog.Logger
	sender  Sender
	chatID  int64
	limiter *rate.Limiter
	opts    Options

	wg        sync.WaitGroup
	throttled atomic.Int64
}

var _ scheduler.Listener = (*Notifier)(nil)

// New builds a notifier backed by the real Bot API client. The token is
// verified against the API, so this needs network access.
func New(logger *slog.Logger, token string, chatID int64) (*Notifier, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, shared.Wrap(err, "create telegram client")
	}
	return NewWithSender(logger, b, chatID, DefaultOptions()), nil
}

// NewWithSender builds a notifier on top of an existing client. Zero
// fields in opts fall back to DefaultOptions.
func NewWithSender(logger *slog.Logger, sender Sender, chatID int64, opts Options) *Notifier {
	def := DefaultOptions()
	if opts.MinInterval <= 0 {
		opts.MinInterval = def.MinInterval
	}
	if opts.Burst <= 0 {
		opts.Burst = def.Burst
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = def.SendTimeout
	}
	return &Notifier{
		logger:  logger.With("component", "notify"),
		sender:  sender,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Every(opts.MinInterval), opts.Burst),
		opts:    opts,
	}
}

// OnExecuted is part of scheduler.Listener; successes and skips produce
// no alert.
func (n *Notifier) OnExecuted(scheduler.JobEvent) {}

// OnError sends a failure alert unless the rate limit is exhausted.
func (n *Notifier) OnError(e scheduler.JobEvent) {
	if !n.limiter.Allow() {
		total := n.throttled.Add(1)
		n.logger.Debug("alert throttled",
			"job", e.JobID, "throttled_total", total)
		return
	}
	n.wg.Add(1)
	go n.send(formatAlert(e), e.JobID)
}

// Throttled reports how many alerts were suppressed by the rate limit.
func (n *Notifier) Throttled() int64 {
	return n.throttled.Load()
}

// Close waits for in-flight sends. Each send is bounded by SendTimeout,
// so Close returns promptly.
func (n *Notifier) Close() {
	n.wg.Wait()
}

func (n *Notifier) send(text, jobID string) {
	defer n.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("panic in alert sender",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), n.opts.SendTimeout)
	defer cancel()

	_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   text,
	})
	if err != nil {
		n.logger.Warn("alert delivery failed", "job", jobID, "error", err)
		return
	}
	n.logger.Debug("alert delivered", "job", jobID)
}

func formatAlert(e scheduler.JobEvent) string {
	msg := fmt.Sprintf("⚠️ job %q failed", e.JobID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Duration > 0 {
		msg += fmt.Sprintf(" (after %s)", e.Duration.Round(time.Millisecond))
	}
	return msg
}
