package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "sorabot/internal/transport"
)

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("x", 30) + "\n"
	text := strings.Repeat(line, 10)
	chunks := splitTelegramText(text, 100, "")
	if len(chunks) < 4 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk too long: %d", len([]rune(c)))
		}
		if strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk keeps trailing newline: %q", c)
		}
	}
	if got := strings.Join(chunks, "\n"); got != strings.TrimRight(text, "\n") {
		t.Fatalf("chunks do not reassemble the text")
	}
}

func TestSplitTelegramTextAvoidsOpenTag(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 95) + "<b>bold</b>" + strings.Repeat("c", 50)
	chunks := splitTelegramText(text, 100, "HTML")
	if strings.Contains(chunks[0], "<") {
		t.Fatalf("first chunk ends inside a tag: %q", chunks[0])
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name        string
		err         error
		permanent   bool
		unreachable bool
	}{
		{"blocked", tele.ErrBlockedByUser, true, true},
		{"chat not found", fmt.Errorf("send: %w", tele.ErrChatNotFound), true, true},
		{"bad request", tele.NewError(400, "Bad Request: wrong file identifier/HTTP URL specified"), true, false},
		{"server", tele.NewError(502, "Bad Gateway"), false, false},
		{"timeout", context.DeadlineExceeded, false, false},
		{"other", errors.New("connection reset"), false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(tc.err)
			var se *kit.SendError
			if !errors.As(err, &se) {
				t.Fatalf("classify returned %T", err)
			}
			if se.Permanent != tc.permanent || se.Unreachable != tc.unreachable {
				t.Fatalf("got permanent=%v unreachable=%v", se.Permanent, se.Unreachable)
			}
			if !errors.Is(err, tc.err) {
				t.Fatal("classified error lost its cause")
			}
		})
	}
}

func TestReplyKeyboard(t *testing.T) {
	t.Parallel()
	rm := replyKeyboard([][]string{{"🎬 Generate", "📊 Status"}, {"❓ Help"}})
	if !rm.ResizeKeyboard || len(rm.ReplyKeyboard) != 2 || len(rm.ReplyKeyboard[0]) != 2 {
		t.Fatalf("unexpected keyboard: %+v", rm.ReplyKeyboard)
	}
	if rm.ReplyKeyboard[1][0].Text != "❓ Help" {
		t.Fatalf("label = %q", rm.ReplyKeyboard[1][0].Text)
	}
}
