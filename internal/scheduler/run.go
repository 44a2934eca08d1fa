package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"certflow/internal/capability"
	"certflow/internal/ctxlog"
	"certflow/internal/retry"
	"certflow/internal/state"
)

type eventKind int

const (
	eventStarted eventKind = iota
	eventFinished
	eventRetryDue
	eventCancel
)

// event is a message to a run's decision loop.
type event struct {
	kind     eventKind
	stage    string
	cycle    int
	attempt  int
	artifact *capability.Artifact
	err      error
	reply    chan error
}

// attemptError is a loop error raised while closing an attempt. The attempt is
// still open in the store.
type attemptError struct {
	stage  string
	cycle  int
	number int
	err    error
}

func (e *attemptError) Error() string { return e.err.Error() }

func (e *attemptError) Unwrap() error { return e.err }

// flight is an attempt handed to the worker pool and not yet closed.
type flight struct {
	cycle  int
	number int
	cancel context.CancelFunc
}

type pendingRetry struct {
	timer *time.Timer
	cycle int
}

// run is the loop-owned state of one active run. Only the loop goroutine touches
// the fields below the channels.
type run struct {
	id  string
	ctx context.Context // never cancelled; carries the logger
	log *slog.Logger
	now func() time.Time

	work context.Context // parent of every attempt context
	stop context.CancelFunc

	events  chan event
	jobs    chan job
	done    chan struct{} // loop exited
	settled chan struct{} // completion callbacks returned

	last     time.Time
	inflight map[string]*flight
	retries  map[string]*pendingRetry
	terminal bool
	draining *state.Failure
	grace    <-chan time.Time
}

func (s *Scheduler) newRun(ctx context.Context, id string) *run {
	logger := ctxlog.FromContext(ctx).With("run", id)
	base := ctxlog.WithLogger(context.WithoutCancel(ctx), logger)
	work, stop := context.WithCancel(base)
	return &run{
		id:       id,
		ctx:      base,
		log:      logger,
		now:      s.now,
		work:     work,
		stop:     stop,
		events:   make(chan event, 64),
		jobs:     make(chan job, s.graph.Len()),
		done:     make(chan struct{}),
		settled:  make(chan struct{}),
		inflight: make(map[string]*flight),
		retries:  make(map[string]*pendingRetry),
	}
}

// tick returns the next timestamp of the run. Timestamps are strictly increasing
// even if the clock stalls or steps back.
func (r *run) tick() time.Time {
	now := r.now().Round(0)
	if !now.After(r.last) {
		now = r.last.Add(time.Nanosecond)
	}
	r.last = now
	return now
}

// report delivers ev to the loop unless the loop has exited.
func (r *run) report(ev event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (s *Scheduler) loop(r *run, resumed bool) {
	for range s.workers {
		go s.worker(r)
	}

	if err := s.begin(r, resumed); err != nil {
		s.fault(r, err)
	}
	for !r.terminal || len(r.inflight) > 0 {
		select {
		case ev := <-r.events:
			if err := s.handle(r, ev); err != nil {
				s.fault(r, err)
			}
		case <-r.grace:
			s.expireGrace(r)
		}
	}

	close(r.done)
	r.stop()

	view, err := s.GetRunStatus(r.ctx, r.id)
	if err != nil {
		r.log.Error("failed to read finished run", "error", err)
	} else {
		for _, cb := range s.completion {
			cb(view)
		}
	}
	s.forget(r.id)
	close(r.settled)
}

// begin moves the run to running. A resumed run first closes the attempts the
// previous process left open and replays decisions it did not get to record.
func (s *Scheduler) begin(r *run, resumed bool) error {
	rec, err := s.store.Record(r.ctx, r.id)
	if err != nil {
		return err
	}
	if rec.Status == state.RunPending {
		if err := s.store.SetStatus(r.ctx, r.id, state.RunRunning, nil, r.tick()); err != nil {
			return err
		}
	}
	if !resumed {
		return s.schedule(r)
	}

	for _, name := range s.graph.Names() {
		cur := rec.Stages[name].Current()
		if cur == nil {
			continue
		}
		switch cur.Status {
		case state.AttemptScheduled, state.AttemptRunning:
			st, _ := s.graph.Stage(name)
			cause := &state.Cause{
				Kind:    capability.KindInterrupted,
				Message: "process exited while the attempt was in flight",
			}
			status := state.AttemptRetryable
			if !st.Idempotent() {
				status = state.AttemptFatal
			}
			if err := s.closeAttempt(r, name, cur.Cycle, cur.Number, status, cause, r.tick()); err != nil {
				return err
			}
			r.log.Warn("closed interrupted attempt", "stage", name, "cycle", cur.Cycle, "attempt", cur.Number)
			if status == state.AttemptFatal {
				return s.fail(r, s.failure(r, name, cause, nil), true)
			}
		case state.AttemptFatal:
			if s.graph.IsGate(name) && cur.Cause != nil && cur.Cause.Kind == capability.KindValidation {
				return s.rework(r, name, cur.Cause.Findings)
			}
			cause := cur.Cause
			if cause == nil {
				cause = &state.Cause{Kind: capability.KindConfiguration, Message: "attempt failed"}
			}
			return s.fail(r, s.failure(r, name, cause, nil), true)
		}
	}
	return s.schedule(r)
}

func (s *Scheduler) handle(r *run, ev event) error {
	switch ev.kind {
	case eventStarted:
		return s.started(r, ev)
	case eventFinished:
		return s.finished(r, ev)
	case eventRetryDue:
		return s.retryDue(r, ev)
	case eventCancel:
		ev.reply <- s.abort(r)
	}
	return nil
}

// schedule dispatches every ready stage, or finishes the run once all stages
// succeeded in their current cycle.
func (s *Scheduler) schedule(r *run) error {
	if r.terminal || r.draining != nil {
		return nil
	}
	rec, err := s.store.Record(r.ctx, r.id)
	if err != nil {
		return err
	}

	complete := true
	for _, name := range s.graph.Names() {
		if !rec.Stages[name].Succeeded() {
			complete = false
			break
		}
	}
	if complete {
		r.log.Info("run succeeded", "cycle", rec.Cycle)
		return s.terminate(r, state.RunSucceeded, nil)
	}

	for _, name := range s.graph.Names() {
		if !s.ready(r, rec, name) {
			continue
		}
		if err := s.dispatch(r, rec, name); err != nil {
			return err
		}
		if r.terminal {
			return nil
		}
	}
	return nil
}

// ready reports whether every upstream of name succeeded in its current cycle and
// name has neither succeeded nor an attempt in progress in its own.
func (s *Scheduler) ready(r *run, rec *state.Record, name string) bool {
	if r.inflight[name] != nil || r.retries[name] != nil {
		return false
	}
	if cur := rec.Stages[name].Current(); cur != nil && cur.Status != state.AttemptRetryable {
		return false
	}
	st, _ := s.graph.Stage(name)
	for _, up := range st.Upstream {
		if !rec.Stages[up].Succeeded() {
			return false
		}
	}
	return true
}

func (s *Scheduler) dispatch(r *run, rec *state.Record, name string) error {
	st, _ := s.graph.Stage(name)
	sr := rec.Stages[name]
	number := sr.CycleAttempts() + 1

	snap, err := s.store.Snapshot(r.ctx, r.id)
	if err != nil {
		return err
	}
	upstream := make(map[string]*capability.Artifact, len(st.Upstream))
	for _, up := range st.Upstream {
		a, ok := snap[up]
		if !ok {
			cause := &state.Cause{
				Kind:    capability.KindConfiguration,
				Message: fmt.Sprintf("upstream artifact %s is missing", up),
			}
			return s.fail(r, s.failure(r, name, cause, nil), true)
		}
		upstream[up] = a
	}

	at := r.tick()
	if err := s.store.ScheduleAttempt(r.ctx, r.id, name, number, at); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.work)
	r.inflight[name] = &flight{cycle: sr.Cycle, number: number, cancel: cancel}

	timeout := st.Timeout
	if timeout == 0 {
		timeout = s.stageTimeout
	}
	r.enqueue(job{
		ctx:        ctx,
		stage:      name,
		capability: st.Capability,
		timeout:    timeout,
		input: capability.Input{
			RunID:    r.id,
			Stage:    name,
			Cycle:    sr.Cycle,
			Attempt:  number,
			Upstream: upstream,
			Config:   rec.Config,
			Findings: s.findingsFor(rec, name),
		},
	})

	r.log.Debug("stage dispatched", "stage", name, "cycle", sr.Cycle, "attempt", number)
	s.emit(r, name, sr.Cycle, number, state.AttemptScheduled, nil, at)
	return nil
}

// findingsFor returns the findings of the gate's latest rejection that are
// addressed to name, if name was re-entered by rework.
func (s *Scheduler) findingsFor(rec *state.Record, name string) []capability.Finding {
	rw := s.graph.Rework()
	if rw == nil || rec.Stages[name].Cycle <= 1 {
		return nil
	}
	gate := rec.Stages[rw.From]
	for i := len(gate.Attempts) - 1; i >= 0; i-- {
		c := gate.Attempts[i].Cause
		if c == nil || c.Kind != capability.KindValidation {
			continue
		}
		return addressedTo(c.Findings, name)
	}
	return nil
}

func (s *Scheduler) started(r *run, ev event) error {
	f := r.inflight[ev.stage]
	if r.terminal || f == nil || f.cycle != ev.cycle || f.number != ev.attempt {
		return nil
	}
	at := r.tick()
	if err := s.store.BeginAttempt(r.ctx, r.id, ev.stage, ev.attempt, at); err != nil {
		return err
	}
	s.emit(r, ev.stage, ev.cycle, ev.attempt, state.AttemptRunning, nil, at)
	return nil
}

func (s *Scheduler) finished(r *run, ev event) error {
	f := r.inflight[ev.stage]
	if f == nil || f.cycle != ev.cycle || f.number != ev.attempt {
		// superseded by rework or closed when the grace period ended
		return nil
	}
	delete(r.inflight, ev.stage)
	f.cancel()
	at := r.tick()

	if r.terminal {
		cause := &state.Cause{Kind: capability.KindCancelled, Message: "run stopped"}
		if ev.err != nil {
			cause.Message = ev.err.Error()
		}
		return s.closeAttempt(r, ev.stage, f.cycle, f.number, state.AttemptFatal, cause, at)
	}

	if ev.err == nil {
		if err := s.store.Put(r.ctx, r.id, ev.stage, ev.artifact); err != nil {
			return &attemptError{stage: ev.stage, cycle: f.cycle, number: f.number, err: err}
		}
		if err := s.closeAttempt(r, ev.stage, f.cycle, f.number, state.AttemptSucceeded, nil, at); err != nil {
			return &attemptError{stage: ev.stage, cycle: f.cycle, number: f.number, err: err}
		}
		r.log.Info("stage succeeded", "stage", ev.stage, "cycle", f.cycle, "attempt", f.number)
		if r.draining != nil {
			return s.drained(r)
		}
		return s.schedule(r)
	}

	st, _ := s.graph.Stage(ev.stage)
	d := s.policy.Decide(ev.err, f.number, st.MaxAttempts, s.graph.IsGate(ev.stage), st.Idempotent())
	cause := &state.Cause{
		Kind:     d.Kind,
		Message:  ev.err.Error(),
		Findings: capability.FindingsOf(ev.err),
	}

	if r.draining != nil {
		if err := s.closeAttempt(r, ev.stage, f.cycle, f.number, state.AttemptFatal, cause, at); err != nil {
			return err
		}
		return s.drained(r)
	}

	switch d.Action {
	case retry.ActionRetry:
		if err := s.closeAttempt(r, ev.stage, f.cycle, f.number, state.AttemptRetryable, cause, at); err != nil {
			return err
		}
		r.log.Warn("stage attempt failed, retrying",
			"stage", ev.stage, "cycle", f.cycle, "attempt", f.number, "kind", d.Kind, "delay", d.Delay, "error", ev.err)
		s.scheduleRetry(r, ev.stage, f.cycle, d.Delay)
		return nil
	case retry.ActionRework:
		if err := s.closeAttempt(r, ev.stage, f.cycle, f.number, state.AttemptFatal, cause, at); err != nil {
			return err
		}
		return s.rework(r, ev.stage, cause.Findings)
	case retry.ActionFailStage:
		if err := s.closeAttempt(r, ev.stage, f.cycle, f.number, state.AttemptFatal, cause, at); err != nil {
			return err
		}
		return s.fail(r, s.failure(r, ev.stage, cause, ev.err), false)
	default:
		if err := s.closeAttempt(r, ev.stage, f.cycle, f.number, state.AttemptFatal, cause, at); err != nil {
			return err
		}
		return s.fail(r, s.failure(r, ev.stage, cause, ev.err), true)
	}
}

func (s *Scheduler) scheduleRetry(r *run, name string, cycle int, delay time.Duration) {
	p := &pendingRetry{cycle: cycle}
	p.timer = time.AfterFunc(delay, func() {
		r.report(event{kind: eventRetryDue, stage: name, cycle: cycle})
	})
	r.retries[name] = p
}

func (s *Scheduler) retryDue(r *run, ev event) error {
	p := r.retries[ev.stage]
	if p == nil || p.cycle != ev.cycle {
		return nil
	}
	delete(r.retries, ev.stage)
	if r.terminal || r.draining != nil {
		return nil
	}

	rec, err := s.store.Record(r.ctx, r.id)
	if err != nil {
		return err
	}
	if !s.ready(r, rec, ev.stage) {
		return nil
	}
	return s.dispatch(r, rec, ev.stage)
}

// rework re-enters the targets named by the gate's findings, together with
// everything downstream of them, in a new shared cycle.
func (s *Scheduler) rework(r *run, gate string, findings []capability.Finding) error {
	rec, err := s.store.Record(r.ctx, r.id)
	if err != nil {
		return err
	}
	rw := s.graph.Rework()

	var targets []string
	for _, name := range s.graph.Names() {
		if !slices.Contains(rw.Targets, name) {
			continue
		}
		if slices.ContainsFunc(findings, func(f capability.Finding) bool { return f.Stage == name }) {
			targets = append(targets, name)
		}
	}
	if len(targets) == 0 {
		cause := &state.Cause{
			Kind:     capability.KindValidation,
			Message:  "rejected without findings naming a rework target",
			Findings: findings,
		}
		return s.fail(r, s.failure(r, gate, cause, nil), true)
	}

	for _, t := range targets {
		st, _ := s.graph.Stage(t)
		if rec.Stages[t].Reworks >= st.MaxRework {
			cause := &state.Cause{
				Kind:     capability.KindValidation,
				Message:  fmt.Sprintf("still rejected after %d rework cycles", st.MaxRework),
				Findings: addressedTo(findings, t),
			}
			if st.MaxRework == 0 {
				cause.Message = fmt.Sprintf("rejected and rework of %s is disabled", t)
			}
			return s.fail(r, s.failure(r, t, cause, nil), true)
		}
	}

	cycle := rec.Cycle + 1
	for _, name := range s.graph.Descendants(targets...) {
		if err := s.supersede(r, name); err != nil {
			return err
		}
		if err := s.store.EnterCycle(r.ctx, r.id, name, cycle, slices.Contains(targets, name)); err != nil {
			return err
		}
	}
	r.log.Info("rework requested", "gate", gate, "targets", targets, "cycle", cycle)
	return s.schedule(r)
}

// supersede closes an attempt of name that a rework cycle made obsolete.
func (s *Scheduler) supersede(r *run, name string) error {
	if p := r.retries[name]; p != nil {
		p.timer.Stop()
		delete(r.retries, name)
	}
	f := r.inflight[name]
	if f == nil {
		return nil
	}
	f.cancel()
	delete(r.inflight, name)
	cause := &state.Cause{Kind: capability.KindCancelled, Message: "superseded by rework"}
	return s.closeAttempt(r, name, f.cycle, f.number, state.AttemptFatal, cause, r.tick())
}

// fail records a run failure. Unless immediate, attempts already in flight may
// finish first; nothing new is dispatched meanwhile.
func (s *Scheduler) fail(r *run, failure *state.Failure, immediate bool) error {
	r.log.Error("run failed",
		"stage", failure.Stage, "kind", failure.Cause.Kind, "cause", failure.Cause.Message)
	if immediate || len(r.inflight) == 0 {
		return s.terminate(r, state.RunFailed, failure)
	}
	r.draining = failure
	s.dropRetries(r)
	return nil
}

func (s *Scheduler) drained(r *run) error {
	if len(r.inflight) > 0 {
		return nil
	}
	return s.terminate(r, state.RunFailed, r.draining)
}

// abort handles a cancel request.
func (s *Scheduler) abort(r *run) error {
	if r.terminal {
		return fmt.Errorf("%w: %s", ErrRunFinished, r.id)
	}
	r.log.Info("run cancelled", "in_flight", len(r.inflight))
	return s.terminate(r, state.RunAborted, nil)
}

// terminate records the terminal status and stops every attempt in flight. The
// loop exits once they are all closed.
func (s *Scheduler) terminate(r *run, status state.RunStatus, failure *state.Failure) error {
	r.terminal = true
	s.dropRetries(r)
	r.stop()
	if len(r.inflight) > 0 {
		r.grace = time.After(s.cancelGrace)
	}
	return s.store.SetStatus(r.ctx, r.id, status, failure, r.tick())
}

func (s *Scheduler) dropRetries(r *run) {
	for name, p := range r.retries {
		p.timer.Stop()
		delete(r.retries, name)
	}
}

// expireGrace closes the attempts that did not stop within the grace period.
func (s *Scheduler) expireGrace(r *run) {
	r.grace = nil
	names := make([]string, 0, len(r.inflight))
	for name := range r.inflight {
		names = append(names, name)
	}
	sort.Strings(names)

	at := r.tick()
	for _, name := range names {
		f := r.inflight[name]
		delete(r.inflight, name)
		cause := &state.Cause{
			Kind:    capability.KindCancelled,
			Message: fmt.Sprintf("attempt did not stop within %s", s.cancelGrace),
		}
		if err := s.closeAttempt(r, name, f.cycle, f.number, state.AttemptFatal, cause, at); err != nil {
			r.log.Error("failed to close attempt", "stage", name, "error", err)
		}
		r.log.Warn("abandoned attempt after grace period", "stage", name, "attempt", f.number)
	}
}

// fault handles an error of the loop itself, typically the store failing. An
// attempt left open by err is closed and named as the failing stage.
func (s *Scheduler) fault(r *run, err error) {
	r.log.Error("run loop error", "error", err)
	if r.terminal {
		return
	}
	cause := &state.Cause{Kind: capability.KindConfiguration, Message: err.Error()}
	failure := &state.Failure{Cause: *cause, Chain: chain(err)}

	var ae *attemptError
	if errors.As(err, &ae) {
		if cerr := s.closeAttempt(r, ae.stage, ae.cycle, ae.number, state.AttemptFatal, cause, r.tick()); cerr != nil {
			r.log.Error("failed to close attempt", "stage", ae.stage, "error", cerr)
		}
		failure = s.failure(r, ae.stage, cause, ae.err)
	}
	if err := s.terminate(r, state.RunFailed, failure); err != nil {
		r.log.Error("failed to record run failure", "error", err)
	}
}

func (s *Scheduler) closeAttempt(r *run, name string, cycle, number int, status state.AttemptStatus, cause *state.Cause, at time.Time) error {
	if err := s.store.FinishAttempt(r.ctx, r.id, name, number, status, cause, at); err != nil {
		return err
	}
	s.emit(r, name, cycle, number, status, cause, at)
	return nil
}

func (s *Scheduler) emit(r *run, name string, cycle, number int, status state.AttemptStatus, cause *state.Cause, at time.Time) {
	if s.progress == nil {
		return
	}
	s.progress(Event{
		RunID:   r.id,
		Stage:   name,
		Cycle:   cycle,
		Attempt: number,
		Status:  status,
		Cause:   cause,
		At:      at,
	})
}

// failure builds the run-level failure for stage.
func (s *Scheduler) failure(r *run, stage string, cause *state.Cause, err error) *state.Failure {
	f := &state.Failure{Stage: stage, Cause: *cause}
	if err != nil {
		f.Chain = chain(err)
	} else {
		f.Chain = []string{cause.Message}
	}
	if rec, rerr := s.store.Record(r.ctx, r.id); rerr == nil {
		if sr, ok := rec.Stages[stage]; ok {
			f.Cycles = sr.Reworks
		}
	}
	return f
}

func chain(err error) []string {
	var out []string
	for err != nil {
		out = append(out, err.Error())
		err = errors.Unwrap(err)
	}
	return out
}

func addressedTo(findings []capability.Finding, stage string) []capability.Finding {
	var out []capability.Finding
	for _, f := range findings {
		if f.Stage == stage {
			out = append(out, f)
		}
	}
	return out
}
