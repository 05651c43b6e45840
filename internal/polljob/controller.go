// Package polljob drives one asynchronous repeating task per in-flight
// upload, querying job status until a terminal state, a dismissal, or the
// attempt budget is reached. The transition logic lives in a single tick
// function independent of whatever schedules it.
package polljob

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"dispatchd/internal/canonical"
	"dispatchd/internal/identity"
	"dispatchd/internal/reconcile"
	"dispatchd/internal/record"
)

// State of a poll job. Active is the only state that schedules ticks.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateExhausted State = "exhausted"
)

// StatusSource pulls the raw status payload for one job id.
type StatusSource interface {
	JobStatus(ctx context.Context, jobID string) (canonical.Raw, error)
}

// Sink receives resolved poll results. ResolveJob must atomically replace
// the placeholder keyed by jobID with the given record and report the
// record's status after reconciliation.
type Sink interface {
	ResolveJob(ctx context.Context, jobID string, rec record.IncidentRecord) record.Status
	JobExhausted(jobID string)
}

// Info is the ops-facing view of one job.
type Info struct {
	JobID      string `json:"job_id"`
	State      State  `json:"state"`
	Attempts   int    `json:"attempts"`
	ResolvedID string `json:"resolved_id,omitempty"`
}

type job struct {
	id         string
	ctx        context.Context
	state      State
	attempts   int
	resolvedID string
	timer      Timer
}

// Controller owns all poll jobs. At most one job per id is ever Active;
// each Active job owns exactly one outstanding timer.
type Controller struct {
	mu          sync.Mutex
	jobs        map[string]*job
	source      StatusSource
	sink        Sink
	tombs       reconcile.TombstoneView
	clock       Clock
	interval    time.Duration
	maxAttempts int
	log         *zap.Logger
}

func NewController(source StatusSource, sink Sink, tombs reconcile.TombstoneView, clock Clock, interval time.Duration, maxAttempts int, log *zap.Logger) *Controller {
	if clock == nil {
		clock = RealClock()
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 120
	}
	return &Controller{
		jobs:        make(map[string]*job),
		source:      source,
		sink:        sink,
		tombs:       tombs,
		clock:       clock,
		interval:    interval,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Start creates an Active job and schedules its first tick. Starting a
// duplicate job for an id that is already Active is a no-op.
func (c *Controller) Start(ctx context.Context, jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.jobs[jobID]; ok && existing.state == StateActive {
		return false
	}
	j := &job{id: jobID, ctx: ctx, state: StateActive}
	c.jobs[jobID] = j
	j.timer = c.clock.AfterFunc(c.interval, func() { c.tick(jobID) })
	c.log.Info("poll job started", zap.String("job_id", jobID))
	return true
}

// Cancel transitions the job for id out of Active and clears its pending
// timer synchronously. The id may be the job id or the stable id the job
// resolved to. Must be called only after the dismissal tombstone persisted,
// otherwise an in-flight tick could resurrect the record.
func (c *Controller) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancelled := false
	for _, j := range c.jobs {
		if j.id != id && j.resolvedID != id {
			continue
		}
		// Several jobs can share a resolved id when identical uploads collapse
		// to the same content; only the Active ones carry timers.
		if j.state != StateActive {
			continue
		}
		c.leaveActive(j, StateCancelled)
		c.log.Info("poll job cancelled", zap.String("job_id", j.id))
		cancelled = true
	}
	return cancelled
}

// CancelAll stops every Active job. Teardown path.
func (c *Controller) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.jobs {
		if j.state == StateActive {
			c.leaveActive(j, StateCancelled)
		}
	}
}

// Jobs returns the current state of every known job.
func (c *Controller) Jobs() []Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Info, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, Info{JobID: j.id, State: j.state, Attempts: j.attempts, ResolvedID: j.resolvedID})
	}
	return out
}

// leaveActive stops the pending timer and records the terminal state.
// Callers hold c.mu.
func (c *Controller) leaveActive(j *job, next State) {
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.state = next
}

// tick is the single transition function of the state machine. Cancellation
// is cooperative: a tick already in flight discards its result if the job
// left Active while it was suspended on the network.
func (c *Controller) tick(jobID string) {
	c.mu.Lock()
	j, ok := c.jobs[jobID]
	if !ok || j.state != StateActive {
		c.mu.Unlock()
		return
	}
	j.attempts++
	attempts := j.attempts
	ctx := j.ctx
	c.mu.Unlock()

	raw, err := c.source.JobStatus(ctx, jobID)
	if err != nil {
		c.log.Warn("poll fetch failed", zap.String("job_id", jobID), zap.Error(err))
		raw = nil
	}

	cn := canonical.Canonicalize(raw)
	// Results are keyed by content, never by the upstream echo of our job id.
	cn.ID = ""

	c.mu.Lock()
	defer c.mu.Unlock()
	if j.state != StateActive {
		return
	}

	switch {
	case !cn.HasContent() && cn.Status == "":
		// Not ready yet. Stay Active.
	case c.resolve(j, cn):
		return
	}

	if attempts >= c.maxAttempts {
		c.leaveActive(j, StateExhausted)
		c.log.Warn("poll job exhausted",
			zap.String("job_id", jobID), zap.Int("attempts", attempts))
		c.sink.JobExhausted(jobID)
		return
	}
	j.timer = c.clock.AfterFunc(c.interval, func() { c.tick(jobID) })
}

// resolve feeds a usable tick result through the sink and applies the
// resulting transition. Returns true when the job reached a terminal state.
// Callers hold c.mu.
func (c *Controller) resolve(j *job, cn canonical.Record) bool {
	fp := identity.OfCanonical(cn)

	var rec record.IncidentRecord
	if cn.HasContent() {
		built, ok := reconcile.FromCanonical(cn, record.StatusProcessing, time.Now())
		if !ok {
			return false
		}
		rec = built
	} else {
		// Status-only progress update for the identity this job last
		// resolved to, or for the placeholder if nothing resolved yet.
		target := j.resolvedID
		if target == "" {
			target = j.id
		}
		rec = record.IncidentRecord{ID: target, Status: cn.Status}
	}

	// Re-check dismissal at apply time: the record may have been tombstoned
	// while this tick was suspended on the network.
	if c.tombs != nil &&
		(c.tombs.IsDismissed(j.id) || c.tombs.IsDismissed(rec.ID) || c.tombs.IsDismissedFingerprint(fp)) {
		c.leaveActive(j, StateCancelled)
		c.log.Info("poll job hit tombstone", zap.String("job_id", j.id))
		return true
	}

	status := c.sink.ResolveJob(j.ctx, j.id, rec)
	if cn.HasContent() {
		j.resolvedID = rec.ID
	}
	if status == record.StatusDone {
		c.leaveActive(j, StateCompleted)
		c.log.Info("poll job completed",
			zap.String("job_id", j.id), zap.String("id", j.resolvedID))
		return true
	}
	return false
}
