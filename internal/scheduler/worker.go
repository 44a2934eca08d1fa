package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"certflow/internal/capability"
)

// job is one attempt handed to the worker pool.
type job struct {
	ctx        context.Context
	stage      string
	capability capability.Capability
	input      capability.Input
	timeout    time.Duration
}

// enqueue hands j to the pool without ever blocking the loop.
func (r *run) enqueue(j job) {
	select {
	case r.jobs <- j:
	default:
		go func() {
			select {
			case r.jobs <- j:
			case <-r.done:
			}
		}()
	}
}

// worker executes jobs until the run's loop exits.
func (s *Scheduler) worker(r *run) {
	for {
		select {
		case j := <-r.jobs:
			s.execute(r, j)
		case <-r.done:
			return
		}
	}
}

func (s *Scheduler) execute(r *run, j job) {
	finished := event{
		kind:    eventFinished,
		stage:   j.stage,
		cycle:   j.input.Cycle,
		attempt: j.input.Attempt,
	}
	if err := j.ctx.Err(); err != nil {
		finished.err = err
		r.report(finished)
		return
	}

	r.report(event{kind: eventStarted, stage: j.stage, cycle: j.input.Cycle, attempt: j.input.Attempt})
	finished.artifact, finished.err = invoke(j, r.done)
	r.report(finished)
}

type result struct {
	artifact *capability.Artifact
	err      error
}

// invoke calls the capability under the job's timeout. On deadline it returns a
// timeout error at once and leaves the call to finish in the background. On
// cancellation it waits for the call to acknowledge, or for done.
func invoke(j job, done <-chan struct{}) (*capability.Artifact, error) {
	ctx, cancel := j.ctx, context.CancelFunc(func() {})
	if j.timeout > 0 {
		ctx, cancel = context.WithTimeout(j.ctx, j.timeout)
	}
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: capability.Fatalf("stage %s panicked: %v", j.stage, p)}
			}
		}()
		a, err := j.capability.Invoke(ctx, j.input)
		if err == nil && a == nil {
			err = capability.Fatalf("stage %s returned no artifact", j.stage)
		}
		if err == nil {
			if verr := a.Verify(); verr != nil {
				a, err = nil, capability.Fatalf("stage %s returned an unhashed artifact: %w", j.stage, verr)
			}
		}
		ch <- result{artifact: a, err: err}
	}()

	select {
	case res := <-ch:
		return res.artifact, res.err
	case <-ctx.Done():
	}

	if j.ctx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("stage %s exceeded its %s timeout: %w", j.stage, j.timeout, context.DeadlineExceeded)
	}

	select {
	case res := <-ch:
		if res.err == nil {
			res.err = j.ctx.Err()
		}
		return nil, res.err
	case <-done:
		return nil, j.ctx.Err()
	}
}
