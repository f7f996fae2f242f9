package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sorabot/internal/caption"
	"sorabot/internal/delivery"
	"sorabot/internal/job"
	"sorabot/internal/retry"
	"sorabot/internal/sora"
	logx "sorabot/pkg/logx"
)

// errParked stops a driver whose delivery budget for this run is spent. The
// job stays in the store and the sweeper picks it up again later.
var errParked = errors.New("delivery attempts exhausted")

// drive runs one job until it is delivered, another instance holds its
// lease, or ctx ends. Each iteration reloads the job so the store stays
// authoritative.
func (o *Orchestrator) drive(ctx context.Context, d *driver) error {
	defer o.forget(d)
	defer o.unlease(d.id)
	log := o.log.With(logx.JobID(d.id))

	storeErrs := 0
	for ctx.Err() == nil {
		j, err := o.store.Get(ctx, d.id)
		if err == nil && j.State != job.StateDelivered {
			j, err = o.claim(ctx, j)
		}
		if err == nil && d.restore {
			o.restoreCapacity(ctx, j)
			d.restore = false
		}
		if err == nil {
			switch j.State {
			case job.StatePending:
				err = o.stepSubmit(ctx, d, j)
			case job.StateSubmitted:
				_, err = o.commit(ctx, j, job.Transition{To: job.StatePolling})
			case job.StatePolling:
				err = o.stepPoll(ctx, d, j)
			case job.StateSucceeded, job.StateFailed:
				err = o.stepDeliver(ctx, d, j)
			case job.StateDelivered:
				return nil
			default:
				err = fmt.Errorf("unknown state %q", j.State)
			}
		}

		switch {
		case err == nil:
			storeErrs = 0
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errParked):
			log.Warn("delivery parked until next sweep", logx.Int("attempts", d.deliveries))
			return nil
		case errors.Is(err, job.ErrNotFound):
			log.Warn("job disappeared from store")
			return nil
		case errors.Is(err, job.ErrLeased):
			log.Debug("job driven by another instance; driver stops", logx.Err(err))
			return nil
		case errors.Is(err, job.ErrStale):
			log.Debug("job changed elsewhere; reloading", logx.Err(err))
		case errors.Is(err, job.ErrInvalidTransition):
			log.Debug("job changed elsewhere; driver stops", logx.Err(err))
			return nil
		default:
			storeErrs++
			wait := retry.Policy{Base: time.Second, Max: 30 * time.Second, Jitter: 0.2}.Delay(storeErrs)
			log.Warn("job step failed; retrying", logx.Err(err), logx.Int("attempt", storeErrs), logx.Duration("wait", wait))
			if retry.Sleep(ctx, wait) != nil {
				return nil
			}
		}
	}
	return nil
}

// commit writes a driver step under this instance's lease, extending it.
func (o *Orchestrator) commit(ctx context.Context, j *job.Job, tr job.Transition) (*job.Job, error) {
	tr.LeaseOwner = o.owner
	if !tr.ReleaseLease {
		tr.LeaseUntil = o.now().Add(o.config().LeaseTTL)
	}
	return o.update(ctx, j, tr)
}

// claim takes the lease on j, or renews it once half of it has run out.
func (o *Orchestrator) claim(ctx context.Context, j *job.Job) (*job.Job, error) {
	if j.LeaseOwner == o.owner && j.LeaseUntil.Sub(o.now()) > o.config().LeaseTTL/2 {
		return j, nil
	}
	return o.commit(ctx, j, job.Transition{})
}

// unlease gives up the lease when a driver exits before delivery so the
// next instance does not wait for it to expire.
func (o *Orchestrator) unlease(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	j, err := o.store.Get(ctx, id)
	if err != nil || j.LeaseOwner != o.owner || j.State == job.StateDelivered {
		return
	}
	_, err = o.store.Update(ctx, id, job.Transition{ExpectRevision: j.Revision, LeaseOwner: o.owner, ReleaseLease: true})
	if err != nil {
		o.log.Debug("release lease failed", logx.JobID(id), logx.Err(err))
	}
}

// restoreCapacity re-acquires the admission token of a resumed job that is
// still generating. The job can finish between the read and the restore, so
// it is checked again afterwards and the token handed back if needed.
func (o *Orchestrator) restoreCapacity(ctx context.Context, j *job.Job) {
	if !j.State.InFlight() {
		return
	}
	tok, err := o.limiter.Restore(ctx, j.UserID, j.ID)
	if err != nil {
		o.log.Warn("restore capacity failed", logx.JobID(j.ID), logx.Err(err))
		return
	}
	cur, err := o.store.Get(ctx, j.ID)
	if err == nil && cur.State.InFlight() {
		return
	}
	if err := o.limiter.Release(context.WithoutCancel(ctx), tok); err != nil {
		o.log.Warn("release capacity failed", logx.JobID(j.ID), logx.Err(err))
	}
}

func (o *Orchestrator) deadline(cfg Config, j *job.Job) time.Time {
	if cfg.JobTimeout <= 0 {
		return time.Time{}
	}
	return j.CreatedAt.Add(cfg.JobTimeout)
}

func (o *Orchestrator) expired(deadline time.Time) bool {
	return !deadline.IsZero() && !o.now().Before(deadline)
}

func (o *Orchestrator) fail(ctx context.Context, j *job.Job, reason job.FailReason, detail string, extra job.Transition) error {
	extra.To = job.StateFailed
	extra.FailReason = reason
	extra.ErrorDetail = detail
	_, err := o.commit(ctx, j, extra)
	if err == nil {
		o.log.Info("job failed", logx.JobID(j.ID), logx.String("reason", string(reason)), logx.String("detail", detail))
	}
	return err
}

func withDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

func (o *Orchestrator) stepSubmit(ctx context.Context, d *driver, j *job.Job) error {
	cfg := o.config()
	dl := o.deadline(cfg, j)
	if o.expired(dl) {
		return o.fail(ctx, j, job.FailTimeout, "timed out before the video service accepted the job", job.Transition{})
	}
	if j.SubmitAttempts >= cfg.MaxSubmitAttempts {
		return o.fail(ctx, j, job.FailSubmitExhausted, fmt.Sprintf("submission failed after %d attempts", j.SubmitAttempts), job.Transition{})
	}

	// Fresh claim so the lease outlives the request.
	j, err := o.commit(ctx, j, job.Transition{})
	if err != nil {
		return err
	}
	sctx, cancel := withDeadline(ctx, dl)
	ext, err := o.gen.Submit(sctx, j.Prompt, j.Params)
	cancel()
	if err == nil {
		_, err = o.commit(ctx, j, job.Transition{To: job.StateSubmitted, ExternalID: ext, AddSubmitAttempts: 1})
		if err == nil {
			o.log.Info("job submitted", logx.JobID(j.ID), logx.String("external_id", ext))
		}
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if o.expired(dl) {
		return o.fail(ctx, j, job.FailTimeout, "timed out before the video service accepted the job", job.Transition{AddSubmitAttempts: 1})
	}
	if !sora.IsTransient(err) {
		return o.fail(ctx, j, job.FailSubmitRejected, err.Error(), job.Transition{AddSubmitAttempts: 1})
	}

	next, uerr := o.commit(ctx, j, job.Transition{AddSubmitAttempts: 1})
	if uerr != nil {
		return uerr
	}
	if next.SubmitAttempts >= cfg.MaxSubmitAttempts {
		return o.fail(ctx, next, job.FailSubmitExhausted, fmt.Sprintf("submission failed after %d attempts: %v", next.SubmitAttempts, err), job.Transition{})
	}
	wait := retry.Policy{Base: cfg.SubmitBackoff, Max: cfg.SubmitMaxBackoff, Jitter: 0.2}.DelayFor(next.SubmitAttempts, err)
	o.log.Warn("submit failed; retrying", logx.JobID(j.ID), logx.Err(err), logx.Int("attempt", next.SubmitAttempts), logx.Duration("wait", wait))
	return o.wait(ctx, d, wait, dl)
}

func (o *Orchestrator) stepPoll(ctx context.Context, d *driver, j *job.Job) error {
	cfg := o.config()
	dl := o.deadline(cfg, j)

	st, err := o.gen.Poll(ctx, j.ExternalID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if o.expired(dl) {
			return o.fail(ctx, j, job.FailTimeout, "generation timed out", job.Transition{})
		}
		if !sora.IsTransient(err) {
			return o.fail(ctx, j, job.FailUpstream, err.Error(), job.Transition{})
		}
		next, uerr := o.commit(ctx, j, job.Transition{AddPollErrors: 1})
		if uerr != nil {
			return uerr
		}
		if next.PollErrors >= cfg.MaxPollErrors {
			return o.fail(ctx, next, job.FailPollExhausted, fmt.Sprintf("status check failed %d times in a row: %v", next.PollErrors, err), job.Transition{})
		}
		wait := retry.Policy{Base: cfg.PollInterval, Max: cfg.PollMaxInterval, Jitter: 0.1}.DelayFor(next.PollErrors, err)
		o.log.Debug("poll failed", logx.JobID(j.ID), logx.Err(err), logx.Int("errors", next.PollErrors))
		return o.wait(ctx, d, wait, dl)
	}

	switch st.Phase {
	case sora.PhaseDone:
		_, err := o.commit(ctx, j, job.Transition{To: job.StateSucceeded, ResultRef: st.ResultRef, Progress: 100, ResetPollErrors: true})
		if err == nil {
			o.log.Info("job succeeded", logx.JobID(j.ID))
		}
		return err
	case sora.PhaseFailed:
		detail := st.Error
		if detail == "" {
			detail = "generation failed"
		}
		return o.fail(ctx, j, job.FailUpstream, detail, job.Transition{})
	}

	if o.expired(dl) {
		return o.fail(ctx, j, job.FailTimeout, "generation timed out", job.Transition{})
	}
	if st.Progress > j.Progress || j.PollErrors > 0 {
		if _, err := o.commit(ctx, j, job.Transition{Progress: st.Progress, ResetPollErrors: true}); err != nil {
			return err
		}
	}
	d.polls++
	wait := retry.Policy{Base: cfg.PollInterval, Max: cfg.PollMaxInterval, Jitter: 0.1}.Delay(d.polls)
	return o.wait(ctx, d, wait, dl)
}

func (o *Orchestrator) stepDeliver(ctx context.Context, d *driver, j *job.Job) error {
	cfg := o.config()
	if j.State == job.StateSucceeded && j.Caption == "" && o.captions != nil {
		text := caption.OrFallback(ctx, o.captions, j.Prompt, cfg.Caption, o.log.With(logx.JobID(j.ID)))
		next, err := o.commit(ctx, j, job.Transition{Caption: text})
		if err != nil {
			return err
		}
		j = next
	}
	if d.deliveries >= cfg.MaxDeliveryAttempts {
		return errParked
	}

	// The claim records the attempt and renews the lease before the sink
	// runs; a driver of another instance fails it with job.ErrLeased.
	claimed, err := o.commit(ctx, j, job.Transition{AddDeliveryAttempts: 1})
	if err != nil {
		return err
	}
	d.deliveries++

	derr := o.sink.Deliver(ctx, claimed)
	if derr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if derr != nil && delivery.IsTransient(derr) {
		wait := retry.Policy{Base: cfg.DeliveryBackoff, Max: cfg.DeliveryMaxBackoff, Jitter: 0.2}.DelayFor(d.deliveries, derr)
		o.log.Warn("delivery failed; retrying", logx.JobID(j.ID), logx.Err(derr), logx.Int("attempt", claimed.DeliveryAttempts), logx.Duration("wait", wait))
		return o.wait(ctx, d, wait, time.Time{})
	}
	if derr != nil {
		o.log.Warn("delivery failed permanently; giving up", logx.JobID(j.ID), logx.Err(derr))
	}
	if _, err := o.commit(ctx, claimed, job.Transition{To: job.StateDelivered, ReleaseLease: true}); err != nil {
		return err
	}
	o.log.Info("job delivered", logx.JobID(j.ID), logx.String("outcome", string(claimed.State)))
	return nil
}

// wait sleeps for delay, cut short by a wake signal or the job deadline.
func (o *Orchestrator) wait(ctx context.Context, d *driver, delay time.Duration, deadline time.Time) error {
	if !deadline.IsZero() {
		delay = min(delay, max(deadline.Sub(o.now()), 0))
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	case <-d.wake:
	}
	return nil
}
