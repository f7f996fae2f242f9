// Package sora is a thin client for the GeminiGen Sora video API.
//
// Submit starts a generation and returns its uuid. Poll reads the history
// record for that uuid. The client holds no per-job state and is safe for
// concurrent use.
package sora

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"sorabot/internal/job"
	logx "sorabot/pkg/logx"
)

const (
	DefaultBaseURL     = "https://api.geminigen.ai"
	DefaultModel       = "sora-2"
	DefaultResolution  = "small"
	DefaultAspectRatio = "portrait"

	submitPath  = "/uapi/v1/video-gen/sora"
	historyPath = "/uapi/v1/history/"

	maxErrorBody = 4 << 10
)

type Phase string

const (
	PhasePending Phase = "pending"
	PhaseRunning Phase = "running"
	PhaseDone    Phase = "done"
	PhaseFailed  Phase = "failed"
)

// Status is one poll result. ResultRef is set for PhaseDone, Error for
// PhaseFailed.
type Status struct {
	Phase     Phase
	Progress  int
	ResultRef string
	Error     string
}

type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	Resolution  string
	AspectRatio string

	HTTPClient     *http.Client
	RequestTimeout time.Duration
	// RatePerSec throttles outbound calls. 0 disables throttling.
	RatePerSec int
	Breaker    BreakerConfig
	Logger     logx.Logger
}

type Client struct {
	apiKey      string
	baseURL     string
	model       string
	resolution  string
	aspectRatio string

	http    *http.Client
	limiter *rate.Limiter
	breaker *breaker
	log     logx.Logger
	now     func() time.Time
}

func NewClient(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	c := &Client{
		apiKey:      apiKey,
		baseURL:     base,
		model:       orDefault(opts.Model, DefaultModel),
		resolution:  orDefault(opts.Resolution, DefaultResolution),
		aspectRatio: orDefault(opts.AspectRatio, DefaultAspectRatio),
		http:        hc,
		breaker:     newBreaker(opts.Breaker),
		log:         opts.Logger.With(logx.String("comp", "sora")),
		now:         time.Now,
	}
	if opts.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}
	return c, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

// DefaultParams fills unset params from the client configuration.
func (c *Client) DefaultParams(p job.Params) job.Params {
	p.Model = orDefault(p.Model, c.model)
	p.Resolution = orDefault(p.Resolution, c.resolution)
	p.AspectRatio = orDefault(p.AspectRatio, c.aspectRatio)
	p.Duration = job.NormalizeDuration(p.Duration)
	return p
}

type submitResponse struct {
	UUID string `json:"uuid"`
}

// Submit starts a generation. Errors are *SubmissionError.
func (c *Client) Submit(ctx context.Context, prompt string, p job.Params) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", &SubmissionError{Err: ErrEmptyPrompt}
	}
	p = c.DefaultParams(p)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, kv := range [][2]string{
		{"prompt", prompt},
		{"model", p.Model},
		{"resolution", p.Resolution},
		{"duration", strconv.Itoa(p.Duration)},
		{"aspect_ratio", p.AspectRatio},
	} {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return "", &SubmissionError{Err: err}
		}
	}
	if err := mw.Close(); err != nil {
		return "", &SubmissionError{Err: err}
	}

	if err := c.gate(ctx); err != nil {
		return "", &SubmissionError{Transient: true, Wait: waitHint(err), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+submitPath, &body)
	if err != nil {
		return "", &SubmissionError{Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	// A 200 with an unreadable body is permanent: the service has most
	// likely accepted the job already, and a retry would pay for it twice.
	var out submitResponse
	code, wait, err := c.do(req, &out)
	if err != nil {
		return "", &SubmissionError{Transient: code == 0 || transientStatus(code), StatusCode: code, Wait: wait, Err: err}
	}
	if strings.TrimSpace(out.UUID) == "" {
		return "", &SubmissionError{StatusCode: code, Err: errors.New("no uuid in response")}
	}
	c.log.Debug("generation submitted", logx.String("external_id", out.UUID), logx.Int("duration", p.Duration))
	return out.UUID, nil
}

// historyResponse is the subset of the history record we read. Status is
// 1 = processing, 2 = completed, 3 = failed.
type historyResponse struct {
	Status           int     `json:"status"`
	StatusDesc       string  `json:"status_desc"`
	StatusPercentage float64 `json:"status_percentage"`
	MediaURL         string  `json:"media_url"`
	ErrorMessage     string  `json:"error_message"`
	GeneratedVideo   []struct {
		VideoURL        string `json:"video_url"`
		FileDownloadURL string `json:"file_download_url"`
	} `json:"generated_video"`
}

const (
	historyProcessing = 1
	historyCompleted  = 2
	historyFailed     = 3
)

// Poll reads the current status. Errors are *PollError.
func (c *Client) Poll(ctx context.Context, externalID string) (Status, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Status{}, &PollError{Err: errors.New("empty external id")}
	}
	if err := c.gate(ctx); err != nil {
		return Status{}, &PollError{Transient: true, Wait: waitHint(err), Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+historyPath+url.PathEscape(externalID), nil)
	if err != nil {
		return Status{}, &PollError{Err: err}
	}

	// Reads are safe to repeat, so an unreadable body is retried.
	var h historyResponse
	code, wait, err := c.do(req, &h)
	if err != nil {
		transient := code == 0 || transientStatus(code) || errors.Is(err, ErrBadResponse)
		return Status{}, &PollError{Transient: transient, StatusCode: code, Wait: wait, Err: err}
	}
	return h.status(), nil
}

func (h historyResponse) status() Status {
	progress := min(max(int(h.StatusPercentage), 0), 100)
	switch h.Status {
	case historyCompleted:
		ref := h.MediaURL
		if ref == "" && len(h.GeneratedVideo) > 0 {
			ref = orDefault(h.GeneratedVideo[0].VideoURL, h.GeneratedVideo[0].FileDownloadURL)
		}
		if ref == "" {
			return Status{Phase: PhaseFailed, Progress: progress, Error: "no video url in response"}
		}
		return Status{Phase: PhaseDone, Progress: 100, ResultRef: ref}
	case historyFailed:
		return Status{Phase: PhaseFailed, Progress: progress, Error: orDefault(h.ErrorMessage, "unknown error")}
	case historyProcessing:
		return Status{Phase: PhaseRunning, Progress: progress}
	default:
		return Status{Phase: PhasePending, Progress: progress}
	}
}

// gate applies the circuit breaker and the outbound throttle.
func (c *Client) gate(ctx context.Context) error {
	if open, until := c.breaker.open(c.now()); open {
		return circuitOpenError{until: until.Sub(c.now())}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

type circuitOpenError struct{ until time.Duration }

func (e circuitOpenError) Error() string {
	return fmt.Sprintf("%v (retry in %s)", ErrCircuitOpen, e.until.Round(time.Second))
}
func (e circuitOpenError) Unwrap() error { return ErrCircuitOpen }

func waitHint(err error) time.Duration {
	var co circuitOpenError
	if errors.As(err, &co) {
		return co.until
	}
	return 0
}

// do sends req and decodes a 200 JSON body into out. code is 0 when no
// response was received.
func (c *Client) do(req *http.Request, out any) (code int, wait time.Duration, err error) {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.record(c.now(), true)
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.breaker.record(c.now(), transientStatus(resp.StatusCode))
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")),
			fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// Usually a proxy hiccup, but the request did reach the service.
		c.breaker.record(c.now(), true)
		return resp.StatusCode, 0, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	c.breaker.record(c.now(), false)
	return resp.StatusCode, 0, nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0)
	}
	return 0
}
