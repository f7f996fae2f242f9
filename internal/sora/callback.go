package sora

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// Webhook event names sent by GeminiGen.
const (
	EventCompleted = "VIDEO_GENERATION_COMPLETED"
	EventFailed    = "VIDEO_GENERATION_FAILED"
)

// Callback is a parsed webhook notification.
type Callback struct {
	Event      string
	ExternalID string
	MediaURL   string
	Error      string
}

// Terminal reports whether the event announces a finished generation.
func (c Callback) Terminal() bool {
	return c.Event == EventCompleted || c.Event == EventFailed
}

type callbackPayload struct {
	EventName string `json:"event_name"`
	Event     string `json:"event"`
	EventUUID string `json:"event_uuid"`
	Data      struct {
		UUID         string `json:"uuid"`
		MediaURL     string `json:"media_url"`
		ErrorMessage string `json:"error_message"`
	} `json:"data"`
}

var ErrBadCallback = errors.New("sora: malformed callback")

// ParseCallback decodes a webhook body. The event name may arrive as either
// event_name or event.
func ParseCallback(r io.Reader) (Callback, error) {
	var p callbackPayload
	if err := json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(&p); err != nil {
		return Callback{}, errors.Join(ErrBadCallback, err)
	}
	cb := Callback{
		Event:      strings.TrimSpace(orDefault(p.EventName, p.Event)),
		ExternalID: strings.TrimSpace(p.Data.UUID),
		MediaURL:   strings.TrimSpace(p.Data.MediaURL),
		Error:      strings.TrimSpace(p.Data.ErrorMessage),
	}
	if cb.Event == "" {
		return Callback{}, errors.Join(ErrBadCallback, errors.New("missing event name"))
	}
	return cb, nil
}
