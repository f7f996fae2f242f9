// Package orchestrator drives generation jobs from admission to delivery.
//
// Every job gets its own driver goroutine. A driver reads the job from the
// store, performs the next step for its state and writes the outcome back
// with a revision check. Every write also renews a lease on the job, so only
// one instance sharing the store drives it at a time; a driver that finds
// another instance's live lease stops. Authoritative state lives in the
// store; the only in-memory state is the set of running drivers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"sorabot/internal/caption"
	"sorabot/internal/delivery"
	"sorabot/internal/eventbus"
	"sorabot/internal/job"
	"sorabot/internal/ratelimit"
	rtsup "sorabot/internal/runtime/supervisor"
	"sorabot/internal/sora"
	"sorabot/internal/storage"
	logx "sorabot/pkg/logx"
)

var (
	ErrNotRunning     = errors.New("orchestrator is not running")
	ErrEmptyPrompt    = errors.New("prompt is empty")
	ErrNotCancellable = errors.New("job already finished")
)

// Generator is the external video service.
type Generator interface {
	Submit(ctx context.Context, prompt string, p job.Params) (string, error)
	Poll(ctx context.Context, externalID string) (sora.Status, error)
}

// IdempotencyPolicy decides what happens when a user repeats a request
// while the first one is still running.
type IdempotencyPolicy string

const (
	// PolicyReject fails the repeat with *job.DuplicateError.
	PolicyReject IdempotencyPolicy = "reject"
	// PolicyMerge returns the id of the running job.
	PolicyMerge IdempotencyPolicy = "merge"
)

// Config holds driver timing and budgets. Zero values take defaults.
type Config struct {
	PollInterval    time.Duration
	PollMaxInterval time.Duration

	SubmitBackoff    time.Duration
	SubmitMaxBackoff time.Duration

	DeliveryBackoff    time.Duration
	DeliveryMaxBackoff time.Duration

	// JobTimeout is the end-to-end budget from creation to a generation
	// outcome. 0 disables it.
	JobTimeout time.Duration

	MaxSubmitAttempts   int
	MaxPollErrors       int
	MaxDeliveryAttempts int

	IdempotencyPolicy IdempotencyPolicy
	// SweepSchedule is a cron spec for resuming orphaned jobs. Empty disables it.
	SweepSchedule string
	// LeaseTTL is how long a driver's claim on a job lasts without renewal.
	// It must exceed the longest single step (request timeout or backoff).
	LeaseTTL time.Duration

	// Defaults fills unset request params.
	Defaults job.Params
	// Caption is stored on a finished job when caption generation fails.
	Caption string
}

func (c Config) withDefaults() Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.PollInterval, 5*time.Second)
	def(&c.PollMaxInterval, 30*time.Second)
	def(&c.SubmitBackoff, 2*time.Second)
	def(&c.SubmitMaxBackoff, 30*time.Second)
	def(&c.DeliveryBackoff, 2*time.Second)
	def(&c.DeliveryMaxBackoff, time.Minute)
	def(&c.LeaseTTL, 5*time.Minute)
	if c.MaxSubmitAttempts <= 0 {
		c.MaxSubmitAttempts = 5
	}
	if c.MaxPollErrors <= 0 {
		c.MaxPollErrors = 10
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = 5
	}
	if c.IdempotencyPolicy != PolicyMerge {
		c.IdempotencyPolicy = PolicyReject
	}
	c.SweepSchedule = strings.TrimSpace(c.SweepSchedule)
	return c
}

// Deps are the collaborators. Captions and Bus are optional. Owner names
// this instance in job leases; empty means a random id.
type Deps struct {
	Owner     string
	Store     storage.Store
	Limiter   ratelimit.Limiter
	Generator Generator
	Sink      delivery.Sink
	Captions  caption.Generator
	Bus       eventbus.Bus
	Logger    logx.Logger
}

// Request is one user submission.
type Request struct {
	UserID         int64
	ChatID         int64
	ThreadID       int
	Prompt         string
	Params         job.Params
	IdempotencyKey string
}

type Orchestrator struct {
	owner    string
	store    storage.Store
	limiter  ratelimit.Limiter
	gen      Generator
	sink     delivery.Sink
	captions caption.Generator
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	cron     *cron.Cron
	stopping bool
	drivers  map[string]*driver
}

type driver struct {
	id     string
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	// restore re-acquires admission capacity for a job resumed from the
	// store. Owned by the driver goroutine, like the counters below.
	restore    bool
	polls      int
	deliveries int
}

func New(d Deps, cfg Config) *Orchestrator {
	log := d.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	owner := strings.TrimSpace(d.Owner)
	if owner == "" {
		owner = uuid.NewString()
	}
	return &Orchestrator{
		owner:    owner,
		store:    d.Store,
		limiter:  d.Limiter,
		gen:      d.Generator,
		sink:     d.Sink,
		captions: d.Captions,
		bus:      d.Bus,
		log:      log.With(logx.String("comp", "orchestrator"), logx.String("owner", owner)),
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		drivers:  map[string]*driver{},
	}
}

func (o *Orchestrator) config() Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// SetConfig swaps timing and budgets. Running drivers pick it up on their
// next step. The sweep schedule is only read by Start.
func (o *Orchestrator) SetConfig(cfg Config) {
	o.cfgMu.Lock()
	o.cfg = cfg.withDefaults()
	o.cfgMu.Unlock()
}

// Start resumes every unfinished job and starts the sweeper.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.sup != nil {
		o.mu.Unlock()
		return nil
	}
	o.stopping = false
	o.sup = rtsup.New(ctx, rtsup.WithLogger(o.log), rtsup.WithCancelOnError(false))
	o.mu.Unlock()

	n, err := o.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	o.log.Info("orchestrator started", logx.Int("resumed", n))

	if spec := o.config().SweepSchedule; spec != "" {
		c := cron.New()
		if _, err := c.AddFunc(spec, func() { o.sweep(ctx) }); err != nil {
			return fmt.Errorf("sweep schedule %q: %w", spec, err)
		}
		c.Start()
		o.mu.Lock()
		o.cron = c
		o.mu.Unlock()
	}
	return nil
}

// Stop cancels all drivers and waits for them. Jobs stay in the store in
// whatever state they reached and are resumed by the next Start.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	sup, c := o.sup, o.cron
	o.stopping = true
	o.sup, o.cron = nil, nil
	o.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}

// Submit admits and records a new job, then starts driving it. Admission
// failures are *ratelimit.Rejection and leave nothing in the store.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	if !o.running() {
		return "", ErrNotRunning
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	cfg := o.config()
	key := strings.TrimSpace(req.IdempotencyKey)

	if key != "" {
		if id, ok, err := o.findLive(ctx, req.UserID, key); err != nil {
			return "", err
		} else if ok {
			return duplicate(id, cfg.IdempotencyPolicy)
		}
	}

	j := job.New(req.UserID, req.ChatID, req.ThreadID, prompt, withDefaults(req.Params, cfg.Defaults), key, o.now())
	tok, err := o.limiter.Admit(ctx, req.UserID, j.ID)
	if err != nil {
		return "", err
	}
	id, err := o.store.Create(ctx, j)
	if err != nil {
		_ = o.limiter.Release(context.WithoutCancel(ctx), tok)
		if existing, ok := job.ExistingID(err); ok {
			return duplicate(existing, cfg.IdempotencyPolicy)
		}
		return "", fmt.Errorf("create job: %w", err)
	}

	o.log.Info("job created", logx.JobID(id), logx.Int64("user_id", req.UserID), logx.Int("duration", j.Params.Duration))
	o.publish(eventbus.JobCreated, j)
	o.startDriver(id, false)
	return id, nil
}

func duplicate(id string, p IdempotencyPolicy) (string, error) {
	if p == PolicyMerge {
		return id, nil
	}
	return "", &job.DuplicateError{ExistingID: id}
}

func withDefaults(p, def job.Params) job.Params {
	if p.Model == "" {
		p.Model = def.Model
	}
	if p.Resolution == "" {
		p.Resolution = def.Resolution
	}
	if p.AspectRatio == "" {
		p.AspectRatio = def.AspectRatio
	}
	if p.Duration == 0 {
		p.Duration = def.Duration
	}
	p.Duration = job.NormalizeDuration(p.Duration)
	return p
}

// liveScanLimit bounds the idempotency pre-check; the store's own
// duplicate check on Create is authoritative.
const liveScanLimit = 50

func (o *Orchestrator) findLive(ctx context.Context, userID int64, key string) (string, bool, error) {
	js, err := o.store.ListByUser(ctx, userID, liveScanLimit)
	if err != nil {
		return "", false, fmt.Errorf("list user jobs: %w", err)
	}
	for _, j := range js {
		if j.IdempotencyKey == key && j.State.InFlight() {
			return j.ID, true, nil
		}
	}
	return "", false, nil
}

// Cancel fails a job that has not finished yet. userID 0 skips the owner
// check. Once the job was handed to the video service the remote work may
// still complete; its result is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string, userID int64) (*job.Job, error) {
	for range 5 {
		j, err := o.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if userID != 0 && j.UserID != userID {
			return nil, job.ErrNotFound
		}
		if j.State.Terminal() {
			return j, ErrNotCancellable
		}
		next, err := o.update(ctx, j, job.Transition{
			To:          job.StateFailed,
			ErrorDetail: "cancelled by user",
			FailReason:  job.FailCancelled,
		})
		if errors.Is(err, job.ErrStale) {
			continue
		}
		if err != nil {
			return nil, err
		}
		o.log.Info("job cancelled", logx.JobID(jobID))
		o.restartDriver(jobID)
		return next, nil
	}
	return nil, job.ErrStale
}

// Notify is called when the video service reports progress for an external
// id. It wakes the job's driver, or starts one if none is running.
func (o *Orchestrator) Notify(ctx context.Context, externalID string) error {
	j, err := o.store.FindByExternalID(ctx, externalID)
	if err != nil {
		return err
	}
	if j.State == job.StateDelivered {
		return nil
	}
	o.mu.Lock()
	d := o.drivers[j.ID]
	o.mu.Unlock()
	if d != nil {
		select {
		case d.wake <- struct{}{}:
		default:
		}
		return nil
	}
	return o.resume(ctx, j)
}

// Recover starts a driver for every job that is not delivered yet, has no
// driver in this process and is not leased by another instance. Jobs
// already handed to the video service are resumed from their stored
// external id, never resubmitted.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	n, leased := 0, 0
	for j, err := range o.store.ListActive(ctx) {
		if err != nil {
			return n, err
		}
		if o.hasDriver(j.ID) {
			continue
		}
		if j.LeasedToOther(o.owner, o.now()) {
			leased++
			continue
		}
		if err := o.resume(ctx, j); err != nil {
			return n, err
		}
		n++
	}
	if leased > 0 {
		o.log.Debug("skipped jobs leased by other instances", logx.Int("count", leased))
	}
	return n, nil
}

// resume starts a driver for a job read from the store. The snapshot may
// already be stale, so capacity is restored by the driver once it holds the
// lease on a fresh record.
func (o *Orchestrator) resume(_ context.Context, j *job.Job) error {
	o.startDriver(j.ID, true)
	return nil
}

func (o *Orchestrator) sweep(ctx context.Context) {
	n, err := o.Recover(ctx)
	if err != nil {
		o.log.Warn("sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		o.log.Info("sweep resumed jobs", logx.Int("count", n))
	}
}

// Get returns a job by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*job.Job, error) {
	return o.store.Get(ctx, id)
}

// ListByUser returns the user's most recent jobs, newest first.
func (o *Orchestrator) ListByUser(ctx context.Context, userID int64, limit int) ([]*job.Job, error) {
	return o.store.ListByUser(ctx, userID, limit)
}

// Counts returns the number of jobs per state.
func (o *Orchestrator) Counts(ctx context.Context) (map[job.State]int, error) {
	return o.store.CountByState(ctx)
}

// Drivers is the number of jobs currently driven by this process.
func (o *Orchestrator) Drivers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.drivers)
}

func (o *Orchestrator) running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sup != nil && !o.stopping
}

func (o *Orchestrator) hasDriver(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.drivers[id]
	return ok
}

// startDriver launches a driver unless one is already running for id.
// restore is set for jobs this process did not admit itself.
func (o *Orchestrator) startDriver(id string, restore bool) bool {
	o.mu.Lock()
	if o.sup == nil || o.stopping {
		o.mu.Unlock()
		return false
	}
	if _, ok := o.drivers[id]; ok {
		o.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(o.sup.Context())
	d := &driver{id: id, wake: make(chan struct{}, 1), cancel: cancel, done: make(chan struct{}), restore: restore}
	o.drivers[id] = d
	sup := o.sup
	o.mu.Unlock()

	sup.Go("job."+job.ShortID(id), func(context.Context) error {
		return o.drive(ctx, d)
	})
	return true
}

// restartDriver replaces the running driver for id, if any, with a fresh one
// that starts from the stored state.
func (o *Orchestrator) restartDriver(id string) {
	o.mu.Lock()
	d := o.drivers[id]
	sup := o.sup
	o.mu.Unlock()
	if d == nil || sup == nil {
		o.startDriver(id, false)
		return
	}
	d.cancel()
	sup.Go0("job.restart", func(ctx context.Context) {
		select {
		case <-d.done:
			o.startDriver(id, d.restore)
		case <-ctx.Done():
		}
	})
}

func (o *Orchestrator) forget(d *driver) {
	o.mu.Lock()
	if o.drivers[d.id] == d {
		delete(o.drivers, d.id)
	}
	o.mu.Unlock()
	d.cancel()
	close(d.done)
}

var stateEvents = map[job.State]string{
	job.StateSubmitted: eventbus.JobSubmitted,
	job.StatePolling:   eventbus.JobPolling,
	job.StateSucceeded: eventbus.JobSucceeded,
	job.StateFailed:    eventbus.JobFailed,
	job.StateDelivered: eventbus.JobDelivered,
}

// update applies tr conditioned on j's revision. Reaching succeeded or
// failed returns the job's admission capacity.
func (o *Orchestrator) update(ctx context.Context, j *job.Job, tr job.Transition) (*job.Job, error) {
	tr.ExpectRevision = j.Revision
	next, err := o.store.Update(ctx, j.ID, tr)
	if err != nil {
		return nil, err
	}
	if next.State != j.State {
		o.log.Debug("job transition", logx.JobID(j.ID), logx.String("from", string(j.State)), logx.String("to", string(next.State)))
		if next.State == job.StateSucceeded || next.State == job.StateFailed {
			if err := o.limiter.Release(context.WithoutCancel(ctx), ratelimit.Token{Key: j.ID, UserID: j.UserID}); err != nil {
				o.log.Warn("release capacity failed", logx.JobID(j.ID), logx.Err(err))
			}
		}
		o.publish(stateEvents[next.State], next)
	} else if next.Progress != j.Progress {
		o.publish(eventbus.JobProgress, next)
	}
	return next, nil
}

func (o *Orchestrator) publish(typ string, j *job.Job) {
	if o.bus == nil || typ == "" {
		return
	}
	o.bus.Publish(eventbus.Event{Type: typ, Time: o.now(), JobID: j.ID, Data: j.Clone()})
}
