// Package delivery hands finished jobs back to the chat they came from.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"sorabot/internal/job"
	kit "sorabot/internal/transport"
	logx "sorabot/pkg/logx"
)

// Sink delivers the terminal outcome of a job. Implementations must be
// safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, j *job.Job) error
}

// Error is a failed delivery. Transient errors are retried; permanent ones
// mark the job delivered anyway since the user cannot be reached.
type Error struct {
	Transient bool
	Wait      time.Duration
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("delivery (%s): %v", kind, e.Err)
}

func (e *Error) Unwrap() error             { return e.Err }
func (e *Error) RetryAfter() time.Duration { return e.Wait }

// IsTransient reports whether a delivery error may succeed on retry. Errors
// that are not *Error are treated as transient.
func IsTransient(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Transient
	}
	return err != nil
}

// Sender is the part of the chat adapter the sink needs.
type Sender interface {
	kit.TextSender
	SendVideo(ctx context.Context, to kit.ChatTarget, v kit.Video, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Options struct {
	// RatePerSec bounds outgoing messages across all chats. 0 means 20.
	RatePerSec  int
	SendTimeout time.Duration
	// Caption is used for videos that have no generated caption.
	Caption string
	Logger  logx.Logger
}

// Telegram delivers videos and failure notices through a chat adapter.
type Telegram struct {
	sender   Sender
	limiter  *rate.Limiter
	timeout  time.Duration
	fallback string
	log      logx.Logger
}

var _ Sink = (*Telegram)(nil)

func NewTelegram(sender Sender, opts Options) *Telegram {
	rps := opts.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Telegram{
		sender:   sender,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		timeout:  timeout,
		fallback: opts.Caption,
		log:      opts.Logger.With(logx.String("comp", "delivery")),
	}
}

func (t *Telegram) Deliver(ctx context.Context, j *job.Job) error {
	if j == nil {
		return &Error{Err: errors.New("nil job")}
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return &Error{Transient: true, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	to := kit.ChatTarget{ChatID: j.ChatID, ThreadID: j.ThreadID}
	switch j.State {
	case job.StateSucceeded:
		return t.deliverVideo(ctx, to, j)
	case job.StateFailed:
		_, err := t.sender.SendText(ctx, to, FailureText(j), &kit.SendOptions{ParseMode: "HTML"})
		return wrap(err)
	default:
		return &Error{Err: fmt.Errorf("job %s is %s, nothing to deliver", j.ID, j.State)}
	}
}

func (t *Telegram) deliverVideo(ctx context.Context, to kit.ChatTarget, j *job.Job) error {
	text := j.Caption
	if text == "" {
		text = t.fallback
	}
	_, err := t.sender.SendVideo(ctx, to, kit.Video{URL: j.ResultRef, Caption: text}, nil)
	if err == nil {
		return nil
	}
	// Telegram could not fetch the file (too large, odd content type). The
	// user can still get it by link.
	if kit.IsPermanent(err) && !kit.IsUnreachable(err) {
		t.log.Warn("video upload rejected; sending link", logx.JobID(j.ID), logx.Err(err))
		_, err = t.sender.SendText(ctx, to, LinkText(j, text), &kit.SendOptions{ParseMode: "HTML"})
	}
	return wrap(err)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	var se *kit.SendError
	if errors.As(err, &se) {
		return &Error{Transient: !se.Permanent, Wait: se.RetryAfter, Err: err}
	}
	return &Error{Transient: true, Err: err}
}

// FailureText is the single notice a user gets for a failed job.
func FailureText(j *job.Job) string {
	id := html.EscapeString(j.ShortID())
	switch j.FailReason {
	case job.FailTimeout:
		return fmt.Sprintf("⏱ Video generation took too long and was stopped.\nJob: <code>%s</code>", id)
	case job.FailCancelled:
		return fmt.Sprintf("🚫 Job <code>%s</code> was cancelled.", id)
	}
	detail := strings.TrimSpace(j.ErrorDetail)
	if detail == "" {
		detail = "unknown error"
	}
	return fmt.Sprintf("❌ Video generation failed\nJob: <code>%s</code>\nError: %s", id, html.EscapeString(truncate(detail, 500)))
}

// LinkText announces a finished video by URL.
func LinkText(j *job.Job, caption string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Your video is ready!\nJob: <code>%s</code>\n", html.EscapeString(j.ShortID()))
	fmt.Fprintf(&b, "<a href=\"%s\">Download video</a>", html.EscapeString(j.ResultRef))
	if caption = strings.TrimSpace(caption); caption != "" {
		b.WriteString("\n\n")
		b.WriteString(html.EscapeString(caption))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
