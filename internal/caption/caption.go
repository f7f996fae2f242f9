// Package caption writes short social captions for finished videos.
package caption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	logx "sorabot/pkg/logx"
)

// Fallback is used whenever no caption can be generated.
const Fallback = "Check this out! 🔥\n#Viral #Trending #ForYou"

const (
	DefaultModel   = "gemini-2.5-flash"
	maxPromptRunes = 500
	maxCaptionLen  = 150
)

// Generator produces a caption for a video prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Static always returns the same caption.
type Static string

func (s Static) Generate(context.Context, string) (string, error) { return string(s), nil }

type Options struct {
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  logx.Logger
}

// Gemini generates captions with the Gemini API.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	log     logx.Logger
}

func NewGemini(ctx context.Context, opts Options) (*Gemini, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("caption: api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(opts.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gemini{client: client, model: model, timeout: timeout, log: opts.Logger.With(logx.String("comp", "caption"))}, nil
}

func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(0.9)
	model.SetMaxOutputTokens(256)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(instruction(prompt)))
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	raw, err := extractText(resp)
	if err != nil {
		return "", err
	}
	c, ok := parseCaption(raw)
	if !ok {
		g.log.Debug("unusable caption response", logx.String("raw", truncate(raw, 300)))
		return "", errors.New("caption: unusable response")
	}
	return c, nil
}

func instruction(prompt string) string {
	return `You are a viral social media caption expert. Write a caption for a short video.

Rules:
1. Keep the caption under 150 characters
2. Use 1-2 emojis maximum
3. Do not describe the video, viewers can see it
4. Ignore technical terms (4k, cinematic, lighting)
5. Use conversational language, no quotation marks

VIDEO DESCRIPTION:
"` + truncate(strings.TrimSpace(prompt), maxPromptRunes) + `"

Return JSON: {"caption": "...", "hashtags": ["#Tag1", "#Tag2", "#Tag3"]}`
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("no candidates in response")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return "", errors.New("no content in response")
	}
	var parts []string
	for _, part := range cand.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", errors.New("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}

var (
	captionRe = regexp.MustCompile(`"caption"\s*:\s*"([^"]+)"`)
	hashtagRe = regexp.MustCompile(`#\w+`)
)

var defaultTags = []string{"#Viral", "#Trending", "#ForYou"}

// parseCaption accepts a JSON object, a fenced JSON block, or loose text
// containing a "caption" field. Returns caption plus up to three hashtags on
// a second line.
func parseCaption(raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out struct {
		Caption  string   `json:"caption"`
		Hashtags []string `json:"hashtags"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		if m := captionRe.FindStringSubmatch(raw); m != nil {
			out.Caption = m[1]
		}
		out.Hashtags = hashtagRe.FindAllString(strings.ReplaceAll(raw, out.Caption, ""), -1)
	}

	c := strings.Trim(strings.TrimSpace(out.Caption), `"'`)
	if len([]rune(c)) < 5 {
		return "", false
	}
	c = truncate(c, maxCaptionLen)

	tags := make([]string, 0, 3)
	for _, t := range out.Hashtags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, "#") {
			t = "#" + t
		}
		tags = append(tags, t)
		if len(tags) == 3 {
			break
		}
	}
	if len(tags) == 0 {
		tags = defaultTags
	}
	return c + "\n" + strings.Join(tags, " "), true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// OrFallback returns gen's caption, or fallback when gen is nil or fails.
func OrFallback(ctx context.Context, gen Generator, prompt, fallback string, log logx.Logger) string {
	if fallback == "" {
		fallback = Fallback
	}
	if gen == nil {
		return fallback
	}
	c, err := gen.Generate(ctx, prompt)
	if err != nil || strings.TrimSpace(c) == "" {
		if err != nil {
			log.Warn("caption generation failed; using fallback", logx.Err(err))
		}
		return fallback
	}
	return c
}
