package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sorabot/internal/job"
	kit "sorabot/internal/transport"
)

type fakeSender struct {
	mu       sync.Mutex
	texts    []string
	videos   []kit.Video
	videoErr error
	textErr  error
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.textErr != nil {
		return kit.MessageRef{}, f.textErr
	}
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeSender) SendVideo(_ context.Context, to kit.ChatTarget, v kit.Video, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.videoErr != nil {
		return kit.MessageRef{}, f.videoErr
	}
	f.videos = append(f.videos, v)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.videos)}, nil
}

func succeeded() *job.Job {
	j := job.New(1, 100, 0, "cat on a skateboard", job.Params{}, "", time.Now())
	j.State = job.StateSucceeded
	j.ResultRef = "https://cdn/r1.mp4"
	return j
}

func TestDeliverVideoUsesCaption(t *testing.T) {
	s := &fakeSender{}
	sink := NewTelegram(s, Options{Caption: "fallback"})

	j := succeeded()
	require.NoError(t, sink.Deliver(context.Background(), j))
	require.Equal(t, []kit.Video{{URL: "https://cdn/r1.mp4", Caption: "fallback"}}, s.videos)

	j.Caption = "Main character energy"
	require.NoError(t, sink.Deliver(context.Background(), j))
	require.Equal(t, "Main character energy", s.videos[1].Caption)
}

func TestDeliverFallsBackToLink(t *testing.T) {
	s := &fakeSender{videoErr: &kit.SendError{Err: errors.New("wrong file identifier"), Permanent: true}}
	sink := NewTelegram(s, Options{})

	require.NoError(t, sink.Deliver(context.Background(), succeeded()))
	require.Len(t, s.texts, 1)
	require.Contains(t, s.texts[0], `href="https://cdn/r1.mp4"`)
}

func TestDeliverErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
		wait      time.Duration
	}{
		{"blocked", &kit.SendError{Err: errors.New("blocked"), Permanent: true, Unreachable: true}, false, 0},
		{"flood", &kit.SendError{Err: errors.New("flood"), RetryAfter: 3 * time.Second}, true, 3 * time.Second},
		{"network", errors.New("connection reset"), true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &fakeSender{videoErr: tc.err}
			err := NewTelegram(s, Options{}).Deliver(context.Background(), succeeded())
			var de *Error
			require.True(t, errors.As(err, &de))
			require.Equal(t, tc.transient, de.Transient)
			require.Equal(t, tc.transient, IsTransient(err))
			require.Equal(t, tc.wait, de.RetryAfter())
			require.Empty(t, s.texts)
		})
	}
}

func TestFailureText(t *testing.T) {
	j := job.New(1, 100, 0, "p", job.Params{}, "", time.Now())
	j.State = job.StateFailed

	j.FailReason = job.FailTimeout
	require.Contains(t, FailureText(j), "took too long")

	j.FailReason = job.FailCancelled
	require.Contains(t, FailureText(j), "cancelled")

	j.FailReason = job.FailUpstream
	j.ErrorDetail = "content <policy>"
	txt := FailureText(j)
	require.Contains(t, txt, "content &lt;policy&gt;")
	require.True(t, strings.HasPrefix(txt, "❌"))

	s := &fakeSender{}
	require.NoError(t, NewTelegram(s, Options{}).Deliver(context.Background(), j))
	require.Equal(t, []string{txt}, s.texts)
}

func TestDeliverRejectsNonTerminal(t *testing.T) {
	j := job.New(1, 100, 0, "p", job.Params{}, "", time.Now())
	err := NewTelegram(&fakeSender{}, Options{}).Deliver(context.Background(), j)
	require.Error(t, err)
	require.False(t, IsTransient(err))
}
