package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"sorabot/internal/job"
	"sorabot/internal/orchestrator"
	"sorabot/internal/ratelimit"
	kit "sorabot/internal/transport"
)

// Reply keyboard labels.
const (
	ButtonGenerate = "🎬 Generate"
	ButtonStatus   = "📊 Status"
	ButtonHelp     = "❓ Help"
)

var keyboard = [][]string{
	{ButtonGenerate, ButtonStatus},
	{ButtonHelp},
}

const recentJobs = 10

func (r *Router) commands() []Command {
	return []Command{
		{
			Name:        "start",
			Description: "show the welcome message",
			Handle:      r.handleStart,
		},
		{
			Name:        "gen",
			Aliases:     []string{"generate", "g"},
			Description: "generate a video from a prompt",
			Usage:       "/gen <prompt> [--duration=10|15] [--landscape]",
			Buttons:     []string{ButtonGenerate},
			Flags:       []string{"duration", "d", "aspect"},
			Handle:      r.handleGenerate,
		},
		{
			Name:        "status",
			Aliases:     []string{"s"},
			Description: "show running jobs or one job",
			Usage:       "/status [job]",
			Buttons:     []string{ButtonStatus},
			Handle:      r.handleStatus,
		},
		{
			Name:        "jobs",
			Description: "list your recent jobs",
			Usage:       "/jobs",
			Handle:      r.handleJobs,
		},
		{
			Name:        "cancel",
			Description: "cancel a running job",
			Usage:       "/cancel <job>",
			Handle:      r.handleCancel,
		},
		{
			Name:        "help",
			Aliases:     []string{"h"},
			Description: "show help",
			Buttons:     []string{ButtonHelp},
			Handle:      r.handleHelp,
		},
	}
}

func (r *Router) handleStart(ctx context.Context, req *Request) error {
	text := "🎬 <b>Sora Video Generator</b>\n\n" +
		"Send <code>/gen your idea</code> and I will post the video here when it is ready.\n" +
		"Use the buttons below or /help for all commands."
	_, err := r.out.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML", Keyboard: keyboard})
	return err
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("🎬 <b>Sora Video Generator</b>\n\nCommands:\n")
	for _, c := range r.cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&b, "<code>%s</code> - %s\n", html.EscapeString(usage), html.EscapeString(c.Description))
	}
	b.WriteString("\nVideos are 10 or 15 seconds long and usually take 3-5 minutes.")
	_, err := r.out.SendText(ctx, req.Chat, b.String(), &kit.SendOptions{ParseMode: "HTML", Keyboard: keyboard})
	return err
}

func (r *Router) handleGenerate(ctx context.Context, req *Request) error {
	prompt := strings.TrimSpace(strings.Join(req.Args, " "))
	if prompt == "" {
		return r.reply(ctx, req, "✍️ Describe the video after the command, for example:\n<code>/gen a corgi surfing a huge wave at sunset --duration=15</code>")
	}

	var p job.Params
	d := req.Flags["duration"]
	if d == "" {
		d = req.Flags["d"]
	}
	if d != "" {
		n, err := strconv.Atoi(strings.TrimSuffix(d, "s"))
		if err != nil || (n != job.DurationShort && n != job.DurationLong) {
			return r.reply(ctx, req, "⚠️ Duration must be 10 or 15 seconds.")
		}
		p.Duration = n
	}
	switch {
	case req.Bools["landscape"]:
		p.AspectRatio = "landscape"
	case req.Bools["portrait"]:
		p.AspectRatio = "portrait"
	case req.Flags["aspect"] != "":
		a := strings.ToLower(req.Flags["aspect"])
		if a != "landscape" && a != "portrait" {
			return r.reply(ctx, req, "⚠️ Aspect must be landscape or portrait.")
		}
		p.AspectRatio = a
	}

	id, err := r.jobs.Submit(ctx, orchestrator.Request{
		UserID:         req.FromID,
		ChatID:         req.Chat.ChatID,
		ThreadID:       req.Chat.ThreadID,
		Prompt:         prompt,
		Params:         p,
		IdempotencyKey: idempotencyKey(req.Message),
	})
	if err != nil {
		if text, ok := submitErrorText(err); ok {
			return r.reply(ctx, req, text)
		}
		_ = r.reply(ctx, req, "❌ Could not start the job. Please try again later.")
		return err
	}
	return r.reply(ctx, req, fmt.Sprintf(
		"🎬 Started job <code>%s</code>\n📄 %s\n⏳ Usually 3-5 minutes. I will send the video here.",
		job.ShortID(id), html.EscapeString(truncate(prompt, 60)),
	))
}

// idempotencyKey ties a submission to the chat message that asked for it,
// so a redelivered update does not start a second job.
func idempotencyKey(m *kit.Message) string {
	if m == nil || m.ID == 0 {
		return ""
	}
	return fmt.Sprintf("tg:%d:%d", m.ChatID, m.ID)
}

func submitErrorText(err error) (string, bool) {
	if reason, ok := ratelimit.ReasonOf(err); ok {
		switch reason {
		case ratelimit.PerUserConcurrencyExceeded:
			return "⏳ You already have the maximum number of videos in progress. Wait for one to finish or /cancel it.", true
		case ratelimit.GlobalConcurrencyExceeded:
			return "🚦 The generator is busy right now. Please try again in a few minutes.", true
		case ratelimit.PerUserRateExceeded:
			var rej *ratelimit.Rejection
			if errors.As(err, &rej) && rej.RetryAfter > 0 {
				return fmt.Sprintf("⏱ Too many requests. Try again in %s.", rej.RetryAfter.Round(time.Second)), true
			}
			return "⏱ Too many requests. Try again later.", true
		}
	}
	if id, ok := job.ExistingID(err); ok {
		return fmt.Sprintf("♻️ That request is already running as job <code>%s</code>.", job.ShortID(id)), true
	}
	if errors.Is(err, orchestrator.ErrEmptyPrompt) {
		return "✍️ The prompt is empty.", true
	}
	if errors.Is(err, orchestrator.ErrNotRunning) {
		return "🔧 The bot is restarting. Try again in a moment.", true
	}
	return "", false
}

func (r *Router) handleStatus(ctx context.Context, req *Request) error {
	if len(req.Args) > 0 {
		j, err := r.resolve(ctx, req, req.Args[0])
		if err != nil {
			return r.lookupFailed(ctx, req, err)
		}
		return r.reply(ctx, req, jobDetail(j))
	}

	js, err := r.jobs.ListByUser(ctx, req.FromID, recentJobs)
	if err != nil {
		return err
	}
	var live []*job.Job
	for _, j := range js {
		if j.State.InFlight() {
			live = append(live, j)
		}
	}
	if len(live) == 0 {
		return r.reply(ctx, req, "📭 No pending video generations.")
	}
	var b strings.Builder
	b.WriteString("📊 <b>Pending jobs</b>\n")
	for _, j := range live {
		b.WriteString(jobLine(j))
	}
	return r.reply(ctx, req, b.String())
}

func (r *Router) handleJobs(ctx context.Context, req *Request) error {
	js, err := r.jobs.ListByUser(ctx, req.FromID, recentJobs)
	if err != nil {
		return err
	}
	if len(js) == 0 {
		return r.reply(ctx, req, "📭 You have no jobs yet. Try <code>/gen</code>.")
	}
	var b strings.Builder
	b.WriteString("🗂 <b>Recent jobs</b>\n")
	for _, j := range js {
		b.WriteString(jobLine(j))
	}
	return r.reply(ctx, req, b.String())
}

func (r *Router) handleCancel(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return r.reply(ctx, req, "Usage: <code>/cancel &lt;job&gt;</code>")
	}
	j, err := r.resolve(ctx, req, req.Args[0])
	if err != nil {
		return r.lookupFailed(ctx, req, err)
	}
	owner := j.UserID
	if access, _ := r.settings(); access.IsOwner(req.FromID) {
		owner = 0
	}
	if _, err := r.jobs.Cancel(ctx, j.ID, owner); err != nil {
		if errors.Is(err, orchestrator.ErrNotCancellable) {
			return r.reply(ctx, req, fmt.Sprintf("Job <code>%s</code> already finished.", j.ShortID()))
		}
		return err
	}
	return r.reply(ctx, req, fmt.Sprintf("🛑 Cancelling job <code>%s</code>…", j.ShortID()))
}

// resolve finds a job by full id or by the short prefix shown to users.
// Users only see their own jobs; owners may look up any job by full id.
func (r *Router) resolve(ctx context.Context, req *Request, ref string) (*job.Job, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	js, err := r.jobs.ListByUser(ctx, req.FromID, 50)
	if err != nil {
		return nil, err
	}
	for _, j := range js {
		if strings.HasPrefix(j.ID, ref) {
			return j, nil
		}
	}
	if access, _ := r.settings(); access.IsOwner(req.FromID) {
		return r.jobs.Get(ctx, ref)
	}
	return nil, job.ErrNotFound
}

func (r *Router) lookupFailed(ctx context.Context, req *Request, err error) error {
	if errors.Is(err, job.ErrNotFound) {
		return r.reply(ctx, req, "🔍 No such job. See /jobs for your recent ones.")
	}
	return err
}

var stateIcons = map[job.State]string{
	job.StatePending:   "🕐",
	job.StateSubmitted: "📤",
	job.StatePolling:   "⚙️",
	job.StateSucceeded: "✅",
	job.StateFailed:    "❌",
	job.StateDelivered: "📬",
}

func jobLine(j *job.Job) string {
	state := string(j.State)
	if j.State == job.StatePolling && j.Progress > 0 {
		state = fmt.Sprintf("%s %d%%", state, j.Progress)
	}
	if j.State == job.StateDelivered && j.FailReason != "" {
		state = "failed"
	}
	return fmt.Sprintf("%s <code>%s</code> %s · %s\n",
		stateIcons[j.State], j.ShortID(), state, html.EscapeString(truncate(j.Prompt, 40)))
}

func jobDetail(j *job.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>Job</b> <code>%s</code>\n", stateIcons[j.State], j.ShortID())
	fmt.Fprintf(&b, "State: %s\n", j.State)
	if j.Progress > 0 {
		fmt.Fprintf(&b, "Progress: %d%%\n", j.Progress)
	}
	fmt.Fprintf(&b, "Duration: %ds\n", j.Params.Duration)
	fmt.Fprintf(&b, "Prompt: %s\n", html.EscapeString(truncate(j.Prompt, 200)))
	if j.ErrorDetail != "" {
		fmt.Fprintf(&b, "Error: %s\n", html.EscapeString(truncate(j.ErrorDetail, 200)))
	}
	if j.ResultRef != "" {
		fmt.Fprintf(&b, "<a href=\"%s\">Video</a>\n", html.EscapeString(j.ResultRef))
	}
	fmt.Fprintf(&b, "Created: %s", j.CreatedAt.UTC().Format(time.DateTime))
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
