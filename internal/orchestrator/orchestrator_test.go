package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sorabot/internal/caption"
	"sorabot/internal/delivery"
	"sorabot/internal/eventbus"
	"sorabot/internal/job"
	"sorabot/internal/ratelimit"
	"sorabot/internal/sora"
	"sorabot/internal/storage"
	logx "sorabot/pkg/logx"
)

type fakeGen struct {
	mu         sync.Mutex
	submitErrs []error
	submits    int
	polls      map[string]int
	script     func(ext string, n int) (sora.Status, error)
}

func (g *fakeGen) Submit(ctx context.Context, prompt string, p job.Params) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.submitErrs) > 0 {
		err := g.submitErrs[0]
		g.submitErrs = g.submitErrs[1:]
		return "", err
	}
	g.submits++
	return fmt.Sprintf("ext-%d", g.submits), nil
}

func (g *fakeGen) Poll(ctx context.Context, ext string) (sora.Status, error) {
	g.mu.Lock()
	if g.polls == nil {
		g.polls = map[string]int{}
	}
	g.polls[ext]++
	n := g.polls[ext]
	script := g.script
	g.mu.Unlock()
	if script == nil {
		return sora.Status{Phase: sora.PhaseRunning}, nil
	}
	return script(ext, n)
}

func (g *fakeGen) counts() (submits, polls int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.polls {
		polls += n
	}
	return g.submits, polls
}

func doneAfter(n int) func(string, int) (sora.Status, error) {
	return func(ext string, i int) (sora.Status, error) {
		if i <= n {
			return sora.Status{Phase: sora.PhaseRunning, Progress: 30 * i}, nil
		}
		return sora.Status{Phase: sora.PhaseDone, Progress: 100, ResultRef: "https://cdn/" + ext + ".mp4"}, nil
	}
}

type fakeSink struct {
	mu    sync.Mutex
	errs  []error
	calls int
	got   []*job.Job
}

func (s *fakeSink) Deliver(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	s.got = append(s.got, j.Clone())
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// gatedSink holds the first delivery until release is closed.
type gatedSink struct {
	*fakeSink
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSink(inner *fakeSink) *gatedSink {
	return &gatedSink{fakeSink: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedSink) Deliver(ctx context.Context, j *job.Job) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.fakeSink.Deliver(ctx, j)
}

func (s *fakeSink) delivered() []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*job.Job(nil), s.got...)
}

type harness struct {
	o       *Orchestrator
	store   storage.Store
	limiter *ratelimit.Memory
	bus     eventbus.Bus
	gen     *fakeGen
	sink    *fakeSink
}

func fastConfig() Config {
	return Config{
		PollInterval:       5 * time.Millisecond,
		PollMaxInterval:    20 * time.Millisecond,
		SubmitBackoff:      5 * time.Millisecond,
		SubmitMaxBackoff:   20 * time.Millisecond,
		DeliveryBackoff:    5 * time.Millisecond,
		DeliveryMaxBackoff: 20 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config, limits ratelimit.Limits) *harness {
	t.Helper()
	h := &harness{
		store:   storage.NewMemory(),
		limiter: ratelimit.NewMemory(limits),
		bus:     eventbus.New(),
		gen:     &fakeGen{},
		sink:    &fakeSink{},
	}
	h.o = New(Deps{
		Store:     h.store,
		Limiter:   h.limiter,
		Generator: h.gen,
		Sink:      h.sink,
		Bus:       h.bus,
		Logger:    logx.Nop(),
	}, cfg)
	return h
}

// peer builds a second instance over h's store, as another process sharing
// the database would.
func (h *harness) peer(cfg Config) *harness {
	p := &harness{
		store:   h.store,
		limiter: ratelimit.NewMemory(ratelimit.Limits{}),
		bus:     eventbus.New(),
		gen:     &fakeGen{},
		sink:    &fakeSink{},
	}
	p.o = New(Deps{Store: p.store, Limiter: p.limiter, Generator: p.gen, Sink: p.sink, Logger: logx.Nop()}, cfg)
	return p
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.o.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, h.o.Stop(ctx))
	})
}

func (h *harness) state(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) waitState(t *testing.T, id string, want job.State) *job.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := h.store.Get(context.Background(), id)
		return err == nil && j.State == want
	}, 3*time.Second, 2*time.Millisecond, "job never reached %s", want)
	return h.state(t, id)
}

func (h *harness) inFlight(t *testing.T) int {
	t.Helper()
	n, err := h.limiter.InFlight(context.Background())
	require.NoError(t, err)
	return n
}

// seed stores a job and walks it to the given state, as a previous process
// would have left it.
func (h *harness) seed(t *testing.T, userID int64, steps ...job.Transition) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.store.Create(ctx, job.New(userID, userID*10, 0, "seeded prompt", job.Params{}, "", time.Now()))
	require.NoError(t, err)
	for _, tr := range steps {
		_, err := h.store.Update(ctx, id, tr)
		require.NoError(t, err)
	}
	return id
}

func req(user int64, prompt string) Request {
	return Request{UserID: user, ChatID: user * 10, Prompt: prompt}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{PerUserConcurrency: 2, GlobalConcurrency: 5})
	h.o.captions = caption.Static("Main character energy\n#Skate")
	h.gen.script = doneAfter(2)
	events, unsub := h.bus.Subscribe(64)
	defer unsub()
	h.start(t)

	id, err := h.o.Submit(context.Background(), req(1, "cat on a skateboard"))
	require.NoError(t, err)

	j := h.waitState(t, id, job.StateDelivered)
	require.Equal(t, "ext-1", j.ExternalID)
	require.Equal(t, "https://cdn/ext-1.mp4", j.ResultRef)
	require.Equal(t, 100, j.Progress)
	require.Equal(t, 1, j.DeliveryAttempts)
	require.Equal(t, job.DurationShort, j.Params.Duration)

	got := h.sink.delivered()
	require.Len(t, got, 1)
	require.Equal(t, job.StateSucceeded, got[0].State)
	require.Equal(t, "Main character energy\n#Skate", got[0].Caption)

	submits, polls := h.gen.counts()
	require.Equal(t, 1, submits)
	require.Equal(t, 3, polls)
	require.Eventually(t, func() bool { return h.inFlight(t) == 0 }, time.Second, 2*time.Millisecond)

	want := []string{eventbus.JobCreated, eventbus.JobSubmitted, eventbus.JobPolling, eventbus.JobSucceeded, eventbus.JobDelivered}
	var seen []string
	timeout := time.After(time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != eventbus.JobDelivered {
		select {
		case e := <-events:
			require.Equal(t, id, e.JobID)
			seen = append(seen, e.Type)
		case <-timeout:
			t.Fatalf("events so far: %v", seen)
		}
	}
	i := 0
	for _, typ := range seen {
		if i < len(want) && typ == want[i] {
			i++
		}
	}
	require.Equal(t, len(want), i, "events %v", seen)
}

func TestSubmitRequiresRunningAndPrompt(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{})
	_, err := h.o.Submit(context.Background(), req(1, "p"))
	require.ErrorIs(t, err, ErrNotRunning)

	h.start(t)
	_, err = h.o.Submit(context.Background(), req(1, "   "))
	require.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestPerUserLimitLeavesNoRecord(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{PerUserConcurrency: 1, GlobalConcurrency: 5})
	h.start(t)
	ctx := context.Background()

	_, err := h.o.Submit(ctx, req(1, "first"))
	require.NoError(t, err)
	_, err = h.o.Submit(ctx, req(1, "second"))
	reason, ok := ratelimit.ReasonOf(err)
	require.True(t, ok)
	require.Equal(t, ratelimit.PerUserConcurrencyExceeded, reason)

	js, err := h.store.ListByUser(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, js, 1)
	require.Equal(t, "first", js[0].Prompt)

	_, err = h.o.Submit(ctx, req(2, "other user"))
	require.NoError(t, err)
}

func TestGlobalLimitUnderBurst(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{PerUserConcurrency: 2, GlobalConcurrency: 5})
	h.start(t)

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.o.Submit(context.Background(), req(int64(i+1), "burst"))
			if err == nil {
				ok.Add(1)
				return
			}
			if r, _ := ratelimit.ReasonOf(err); r == ratelimit.GlobalConcurrencyExceeded {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 5, ok.Load())
	require.EqualValues(t, 45, rejected.Load())
	require.Equal(t, 5, h.inFlight(t))

	counts, err := h.o.Counts(context.Background())
	require.NoError(t, err)
	total := 0
	for _, n := range counts {
		total += n
	}
	require.Equal(t, 5, total)
}

func TestRecoverResumesPollingWithoutResubmit(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{PerUserConcurrency: 1})
	h.gen.script = doneAfter(1)
	id := h.seed(t, 7,
		job.Transition{To: job.StateSubmitted, ExternalID: "ext-9", AddSubmitAttempts: 1},
		job.Transition{To: job.StatePolling},
	)
	h.start(t)

	j := h.waitState(t, id, job.StateDelivered)
	require.Equal(t, "https://cdn/ext-9.mp4", j.ResultRef)
	submits, polls := h.gen.counts()
	require.Zero(t, submits)
	require.Equal(t, 2, polls)
	require.Len(t, h.sink.delivered(), 1)
	require.Equal(t, 0, h.inFlight(t))
}

func TestRecoverHoldsCapacityForResumedJobs(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{PerUserConcurrency: 1})
	h.seed(t, 7,
		job.Transition{To: job.StateSubmitted, ExternalID: "ext-9", AddSubmitAttempts: 1},
	)
	h.start(t)

	require.Eventually(t, func() bool { return h.inFlight(t) == 1 }, time.Second, 2*time.Millisecond)
	_, err := h.o.Submit(context.Background(), req(7, "another"))
	require.ErrorIs(t, err, ratelimit.ErrRejected)
}

func TestCrashAfterSucceededDeliversOnce(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{})
	id := h.seed(t, 3,
		job.Transition{To: job.StateSubmitted, ExternalID: "ext-3"},
		job.Transition{To: job.StatePolling},
		job.Transition{To: job.StateSucceeded, ResultRef: "https://cdn/done.mp4"},
	)
	h.start(t)

	h.waitState(t, id, job.StateDelivered)
	_, polls := h.gen.counts()
	require.Zero(t, polls)

	n, err := h.o.Recover(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	time.Sleep(30 * time.Millisecond)
	require.Len(t, h.sink.delivered(), 1)
	require.Equal(t, "https://cdn/done.mp4", h.sink.delivered()[0].ResultRef)
}

func TestPermanentSubmitFailureIsNeverSubmitted(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{})
	h.gen.submitErrs = []error{&sora.SubmissionError{StatusCode: 400, Err: errors.New("prompt rejected")}}
	events, unsub := h.bus.Subscribe(64)
	defer unsub()
	h.start(t)

	id, err := h.o.Submit(context.Background(), req(1, "bad"))
	require.NoError(t, err)
	j := h.waitState(t, id, job.StateDelivered)
	require.Equal(t, job.FailSubmitRejected, j.FailReason)
	require.Contains(t, j.ErrorDetail, "prompt rejected")
	require.Empty(t, j.ExternalID)
	require.Equal(t, 1, j.SubmitAttempts)

	got := h.sink.delivered()
	require.Len(t, got, 1)
	require.Equal(t, job.StateFailed, got[0].State)

	unsub()
	for e := range events {
		require.NotEqual(t, eventbus.JobSubmitted, e.Type)
	}
}

func TestTransientSubmitIsRetried(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{})
	busy := &sora.SubmissionError{Transient: true, StatusCode: 503, Err: errors.New("busy")}
	h.gen.submitErrs = []error{busy, busy}
	h.gen.script = doneAfter(0)
	h.start(t)

	id, err := h.o.Submit(context.Background(), req(1, "retry me"))
	require.NoError(t, err)
	j := h.waitState(t, id, job.StateDelivered)
	require.Equal(t, 3, j.SubmitAttempts)
	require.Equal(t, "ext-1", j.ExternalID)
	require.Equal(t, job.StateSucceeded, h.sink.delivered()[0].State)
}

func TestSubmitAttemptsExhausted(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxSubmitAttempts = 2
	h := newHarness(t, cfg, ratelimit.Limits{})
	busy := &sora.SubmissionError{Transient: true, Err: errors.New("busy")}
	h.gen.submitErrs = []error{busy, busy, busy}
	h.start(t)

	id, err := h.o.Submit(context.Background(), req(1, "never"))
	require.NoError(t, err)
	j := h.waitState(t, id, job.StateDelivered)
	require.Equal(t, job.FailSubmitExhausted, j.FailReason)
	require.Equal(t, 2, j.SubmitAttempts)
}

func TestUpstreamFailure(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{})
	h.gen.script = func(string, int) (sora.Status, error) {
		return sora.Status{Phase: sora.PhaseFailed, Error: "content policy"}, nil
	}
	h.start(t)

	id, err := h.o.Submit(context.Background(), req(1, "nope"))
	require.NoError(t, err)
	j := h.waitState(t, id, job.StateDelivered)
	require.Equal(t, job.FailUpstream, j.FailReason)
	require.Equal(t, "content policy", j.ErrorDetail)
	require.Equal(t, 0, h.inFlight(t))
}

func TestTimeoutWithFlakyPolling(t *testing.T) {
	cfg := fastConfig()
	cfg.JobTimeout = 80 * time.Millisecond
	cfg.MaxPollErrors = 1000
	h := newHarness(t, cfg, ratelimit.Limits{})
	h.gen.script = func(string, int) (sora.Status, error) {
		return sora.Status{}, &sora.PollError{Transient: true, StatusCode: 502, Err: errors.New("bad gateway")}
	}
	h.start(t)

	id, err := h.o.Submit(context.Background(), req(1, "slow"))
	require.NoError(t, err)
	j := h.waitState(t, id, job.StateDelivered)
	require.Equal(t, job.FailTimeout, j.FailReason)

	time.Sleep(30 * time.Millisecond)
	got := h.sink.delivered()
	require.Len(t, got, 1)
	require.Equal(t, job.FailTimeout, got[0].FailReason)
}

func TestPollErrorsExhausted(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxPollErrors = 3
	h := newHarness(t, cfg, ratelimit.Limits{})
	h.gen.script = func(string, int) (sora.Status, error) {
		return sora.Status{}, &sora.PollError{Transient: true, Err: errors.New("reset")}
	}
	h.start(t)

	id, err := h.o.Submit(context.Background(), req(1, "flaky"))
	require.NoError(t, err)
	j := h.waitState(t, id, job.StateDelivered)
	require.Equal(t, job.FailPollExhausted, j.FailReason)
	require.Equal(t, 3, j.PollErrors)
}

func TestIdempotencyPolicies(t *testing.T) {
	for _, tc := range []struct {
		policy IdempotencyPolicy
		merge  bool
	}{{PolicyReject, false}, {PolicyMerge, true}} {
		t.Run(string(tc.policy), func(t *testing.T) {
			cfg := fastConfig()
			cfg.IdempotencyPolicy = tc.policy
			h := newHarness(t, cfg, ratelimit.Limits{PerUserConcurrency: 3})
			h.start(t)
			ctx := context.Background()

			r := req(1, "same thing")
			r.IdempotencyKey = "msg-42"
			first, err := h.o.Submit(ctx, r)
			require.NoError(t, err)

			second, err := h.o.Submit(ctx, r)
			if tc.merge {
				require.NoError(t, err)
				require.Equal(t, first, second)
			} else {
				require.ErrorIs(t, err, job.ErrDuplicateRequest)
				existing, ok := job.ExistingID(err)
				require.True(t, ok)
				require.Equal(t, first, existing)
			}
			js, err := h.store.ListByUser(ctx, 1, 10)
			require.NoError(t, err)
			require.Len(t, js, 1)
			require.Equal(t, 1, h.inFlight(t))
		})
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{})
	h.start(t)
	ctx := context.Background()

	id, err := h.o.Submit(ctx, req(1, "forever"))
	require.NoError(t, err)
	h.waitState(t, id, job.StatePolling)

	_, err = h.o.Cancel(ctx, id, 2)
	require.ErrorIs(t, err, job.ErrNotFound)

	j, err := h.o.Cancel(ctx, id, 1)
	require.NoError(t, err)
	require.Equal(t, job.StateFailed, j.State)
	require.Equal(t, job.FailCancelled, j.FailReason)

	h.waitState(t, id, job.StateDelivered)
	_, err = h.o.Cancel(ctx, id, 1)
	require.ErrorIs(t, err, ErrNotCancellable)

	time.Sleep(30 * time.Millisecond)
	got := h.sink.delivered()
	require.Len(t, got, 1)
	require.Equal(t, job.FailCancelled, got[0].FailReason)
	require.Equal(t, 0, h.inFlight(t))
}

func TestTransientDeliveryIsRetried(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{})
	h.gen.script = doneAfter(0)
	h.sink.errs = []error{&delivery.Error{Transient: true, Err: errors.New("flood")}}
	h.start(t)

	id, err := h.o.Submit(context.Background(), req(1, "p"))
	require.NoError(t, err)
	j := h.waitState(t, id, job.StateDelivered)
	require.Equal(t, 2, j.DeliveryAttempts)
	require.Len(t, h.sink.delivered(), 1)
}

func TestPermanentDeliveryGivesUp(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{})
	h.gen.script = doneAfter(0)
	h.sink.errs = []error{&delivery.Error{Err: errors.New("bot was blocked by the user")}}
	h.start(t)

	id, err := h.o.Submit(context.Background(), req(1, "p"))
	require.NoError(t, err)
	j := h.waitState(t, id, job.StateDelivered)
	require.Equal(t, 1, j.DeliveryAttempts)
	require.Empty(t, h.sink.delivered())
}

func TestDeliveryParksAfterBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxDeliveryAttempts = 2
	h := newHarness(t, cfg, ratelimit.Limits{})
	h.gen.script = doneAfter(0)
	flood := &delivery.Error{Transient: true, Err: errors.New("flood")}
	h.sink.errs = []error{flood, flood}
	h.start(t)

	id, err := h.o.Submit(context.Background(), req(1, "p"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.o.Drivers() == 0 }, 3*time.Second, 2*time.Millisecond)
	require.Equal(t, job.StateSucceeded, h.state(t, id).State)

	n, err := h.o.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	j := h.waitState(t, id, job.StateDelivered)
	require.Equal(t, 3, j.DeliveryAttempts)
}

func TestNotifyWakesPollingDriver(t *testing.T) {
	cfg := fastConfig()
	cfg.PollInterval = time.Hour
	cfg.PollMaxInterval = time.Hour
	h := newHarness(t, cfg, ratelimit.Limits{})
	var ready atomic.Bool
	h.gen.script = func(ext string, _ int) (sora.Status, error) {
		if ready.Load() {
			return sora.Status{Phase: sora.PhaseDone, ResultRef: "https://cdn/woke.mp4"}, nil
		}
		return sora.Status{Phase: sora.PhaseRunning}, nil
	}
	h.start(t)

	id, err := h.o.Submit(context.Background(), req(1, "p"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, polls := h.gen.counts()
		return polls >= 1
	}, 3*time.Second, 2*time.Millisecond)

	ready.Store(true)
	require.NoError(t, h.o.Notify(context.Background(), "ext-1"))
	j := h.waitState(t, id, job.StateDelivered)
	require.Equal(t, "https://cdn/woke.mp4", j.ResultRef)

	require.ErrorIs(t, h.o.Notify(context.Background(), "unknown"), job.ErrNotFound)
}

func TestStopLeavesJobsForNextStart(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{})
	require.NoError(t, h.o.Start(context.Background()))

	id, err := h.o.Submit(context.Background(), req(1, "p"))
	require.NoError(t, err)
	h.waitState(t, id, job.StatePolling)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.o.Stop(ctx))
	require.Zero(t, h.o.Drivers())
	require.Equal(t, job.StatePolling, h.state(t, id).State)

	h.gen.script = doneAfter(0)
	h.start(t)
	h.waitState(t, id, job.StateDelivered)
	submits, _ := h.gen.counts()
	require.Equal(t, 1, submits)
}

func TestOverlappingInstancesDeliverOnce(t *testing.T) {
	a := newHarness(t, fastConfig(), ratelimit.Limits{})
	a.gen.script = doneAfter(0)
	gate := newGatedSink(a.sink)
	a.o.sink = gate
	a.start(t)

	id, err := a.o.Submit(context.Background(), req(1, "p"))
	require.NoError(t, err)
	select {
	case <-gate.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery never started")
	}

	// A second instance comes up while the first is mid-send.
	b := a.peer(fastConfig())
	b.start(t)
	n, err := b.o.Recover(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	// Even a driver that read the job before the lease stops without acting.
	require.True(t, b.o.startDriver(id, true))
	require.Eventually(t, func() bool { return b.o.Drivers() == 0 }, 3*time.Second, 2*time.Millisecond)

	close(gate.release)
	a.waitState(t, id, job.StateDelivered)
	time.Sleep(30 * time.Millisecond)

	require.Equal(t, 1, a.sink.count()+b.sink.count())
	require.Zero(t, b.sink.count())
	submits, polls := b.gen.counts()
	require.Zero(t, submits)
	require.Zero(t, polls)
	require.Zero(t, b.inFlight(t))
	require.Empty(t, a.state(t, id).LeaseOwner)
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{})
	h.gen.script = doneAfter(0)
	id := h.seed(t, 4,
		job.Transition{To: job.StateSubmitted, ExternalID: "ext-4"},
		job.Transition{To: job.StatePolling},
		job.Transition{LeaseOwner: "crashed-instance", LeaseUntil: time.Now().Add(100 * time.Millisecond)},
	)
	h.start(t)
	require.Zero(t, h.o.Drivers())
	_, polls := h.gen.counts()
	require.Zero(t, polls)

	time.Sleep(150 * time.Millisecond)
	n, err := h.o.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	j := h.waitState(t, id, job.StateDelivered)
	require.Equal(t, "https://cdn/ext-4.mp4", j.ResultRef)
	require.Len(t, h.sink.delivered(), 1)
}

func TestStopReleasesLeases(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{})
	require.NoError(t, h.o.Start(context.Background()))
	id, err := h.o.Submit(context.Background(), req(1, "p"))
	require.NoError(t, err)
	h.waitState(t, id, job.StatePolling)
	require.Equal(t, h.o.owner, h.state(t, id).LeaseOwner)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.o.Stop(ctx))
	require.Empty(t, h.state(t, id).LeaseOwner)

	// The next instance does not have to wait for the lease to run out.
	next := h.peer(fastConfig())
	next.gen.script = doneAfter(0)
	next.start(t)
	next.waitState(t, id, job.StateDelivered)
	require.Len(t, next.sink.delivered(), 1)
}

func TestStaleResumeDoesNotLeakCapacity(t *testing.T) {
	h := newHarness(t, fastConfig(), ratelimit.Limits{PerUserConcurrency: 1})
	h.gen.script = doneAfter(0)
	id := h.seed(t, 7,
		job.Transition{To: job.StateSubmitted, ExternalID: "ext-7", AddSubmitAttempts: 1},
		job.Transition{To: job.StatePolling},
	)
	stale := h.state(t, id)
	h.start(t)
	h.waitState(t, id, job.StateDelivered)
	require.Eventually(t, func() bool { return h.o.Drivers() == 0 }, 3*time.Second, 2*time.Millisecond)
	require.Zero(t, h.inFlight(t))

	// A webhook that read the job before it finished resumes the old snapshot.
	require.NoError(t, h.o.resume(context.Background(), stale))
	require.Eventually(t, func() bool { return h.o.Drivers() == 0 }, 3*time.Second, 2*time.Millisecond)
	require.Zero(t, h.inFlight(t))

	_, err := h.o.Submit(context.Background(), req(7, "next"))
	require.NoError(t, err)
	require.Len(t, h.sink.delivered(), 1)
}
