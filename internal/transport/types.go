// Package transport holds the chat-platform neutral types shared by the bot
// router, the delivery sink and the Telegram adapter.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool
}

type Update struct {
	Message *Message
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ReplyTo        int
	// Keyboard, when set, replaces the chat's reply keyboard. Each inner
	// slice is one row of button labels.
	Keyboard [][]string
}

// Video is a finished clip addressed by URL.
type Video struct {
	URL     string
	Caption string
}

// TextSender is the narrow capability used by log sinks.
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	TextSender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	SendVideo(ctx context.Context, to ChatTarget, v Video, opt *SendOptions) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// SendError classifies a failed send. Permanent errors will never succeed on
// retry. Unreachable marks the chat itself as gone (blocked bot, deleted
// chat), so no other message will get through either. RetryAfter carries a
// platform flood hint.
type SendError struct {
	Err         error
	Permanent   bool
	Unreachable bool
	RetryAfter  time.Duration
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("send failed (%s, retry after %s): %v", kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("send failed (%s): %v", kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent send failure.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// IsUnreachable reports whether err says the chat can no longer be reached.
func IsUnreachable(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Unreachable
}
