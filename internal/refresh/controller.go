// Package refresh retrains the delay model in the background and promotes a
// candidate only when it does not regress against the active model.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"busdelay/internal/estimator"
	"busdelay/internal/feature"
	"busdelay/internal/metrics"
	"busdelay/internal/modelstore"
	"busdelay/internal/storage"
)

// State is the controller's position in a refresh cycle.
type State string

const (
	StateIdle       State = "idle"
	StateTraining   State = "training"
	StateValidating State = "validating"
	StatePromoting  State = "promoting"
	StateFailed     State = "failed"
)

var allStates = []State{StateIdle, StateTraining, StateValidating, StatePromoting, StateFailed}

// Outcome is how a refresh cycle ended.
type Outcome string

const (
	OutcomePromoted Outcome = "promoted"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
)

var ErrNotEnoughData = errors.New("not enough records in training window")

// History supplies the training window. *storage.DB implements it.
type History interface {
	RecordsBetween(ctx context.Context, start, end time.Time) ([]storage.PositionRecord, error)
	// LatestRecordTime returns the zero time when there are no records.
	LatestRecordTime(ctx context.Context) (time.Time, error)
}

// Store is the subset of the model store the controller writes to.
// *modelstore.Store implements it.
type Store interface {
	Put(ctx context.Context, a modelstore.Artifact) (int64, error)
	GetActive(ctx context.Context) (modelstore.Artifact, error)
	Promote(ctx context.Context, id int64) error
	List(ctx context.Context) ([]int64, error)
	ActiveVersion(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id int64) error
}

// Options configures a Controller.
type Options struct {
	Schedule       string // cron expression, e.g. "@every 6h"
	Location       *time.Location
	Estimators     []string // trained side by side each cycle; empty means all registered
	EstimatorOpts  estimator.Options
	Features       feature.Options
	Window         time.Duration // ends at the newest record, or now if that is earlier
	ValidationFrac float64
	Tolerance      float64
	Retention      int
	MinSamples     int

	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
}

// Result describes one refresh cycle.
type Result struct {
	RunID            string      `json:"run_id,omitempty"`
	Outcome          Outcome     `json:"outcome"`
	Estimator        string      `json:"estimator,omitempty"`
	Candidates       []Candidate `json:"candidates,omitempty"`
	CandidateVersion int64       `json:"candidate_version,omitempty"`
	CandidateError   float64     `json:"candidate_error"`
	ActiveVersion    int64       `json:"active_version,omitempty"`
	ActiveError      float64     `json:"active_error"`
	Samples          int         `json:"samples"`
	WindowStart      time.Time   `json:"window_start"`
	WindowEnd        time.Time   `json:"window_end"`
	Error            string      `json:"error,omitempty"`
	StartedAt        time.Time   `json:"started_at"`
	FinishedAt       time.Time   `json:"finished_at"`
}

// Candidate is one estimator trained during a cycle. Only the selected one,
// the lowest validation error, is stored and offered for promotion.
type Candidate struct {
	Estimator string  `json:"estimator"`
	Error     float64 `json:"validation_error"`
	Failure   string  `json:"failure,omitempty"`
	Selected  bool    `json:"selected,omitempty"`
}

// Controller runs refresh cycles, one at a time.
type Controller struct {
	history History
	store   Store
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	running sync.Mutex // held for the duration of a cycle
	wg      sync.WaitGroup
	cron    *cron.Cron

	mu    sync.Mutex
	state State
	last  *Result
}

// New creates a Controller. The schedule is parsed here so a bad expression fails
// at startup.
func New(h History, s Store, opts Options, logger *slog.Logger) (*Controller, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if len(opts.Estimators) == 0 {
		opts.Estimators = estimator.Names()
	}
	seen := make(map[string]bool, len(opts.Estimators))
	names := opts.Estimators[:0:0]
	for _, name := range opts.Estimators {
		if _, err := estimator.NewTrainer(name, opts.EstimatorOpts); err != nil {
			return nil, err
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	opts.Estimators = names
	if opts.Window <= 0 {
		opts.Window = 28 * 24 * time.Hour
	}
	if opts.ValidationFrac <= 0 || opts.ValidationFrac >= 1 {
		opts.ValidationFrac = 0.2
	}
	if opts.Retention <= 0 {
		opts.Retention = 10
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 500 * time.Millisecond
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = 30 * time.Second
	}
	if opts.Features.Location == nil {
		opts.Features.Location = opts.Location
	}

	c := &Controller{
		history: h,
		store:   s,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		state:   StateIdle,
	}
	if opts.Schedule != "" {
		c.cron = cron.New(cron.WithLocation(opts.Location))
		if _, err := cron.ParseStandard(opts.Schedule); err != nil {
			return nil, fmt.Errorf("parse refresh schedule %q: %w", opts.Schedule, err)
		}
	}
	c.setState(StateIdle)
	return c, nil
}

// Start registers the scheduled job and starts the cron runner. Cycles run
// with ctx; cancelling it aborts an in-flight cycle.
func (c *Controller) Start(ctx context.Context) error {
	if c.cron == nil {
		c.logger.Info("refresh schedule disabled")
		return nil
	}
	if _, err := c.cron.AddFunc(c.opts.Schedule, func() { c.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("add refresh job: %w", err)
	}
	c.cron.Start()
	c.logger.Info("refresh scheduler started", "schedule", c.opts.Schedule, "estimators", c.opts.Estimators)
	return nil
}

// Stop halts the scheduler and waits for running cycles to finish.
func (c *Controller) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	c.wg.Wait()
}

// Trigger starts a cycle in the background. It returns false when a cycle is
// already running; the trigger is then dropped.
func (c *Controller) Trigger(ctx context.Context) bool {
	if !c.running.TryLock() {
		c.skip()
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Unlock()
		c.cycle(ctx)
	}()
	return true
}

// RunOnce runs a cycle and waits for it. Overlapping calls return a skipped
// result immediately.
func (c *Controller) RunOnce(ctx context.Context) Result {
	if !c.running.TryLock() {
		c.skip()
		return Result{Outcome: OutcomeSkipped}
	}
	defer c.running.Unlock()
	return c.cycle(ctx)
}

// Status returns the current state and the last finished cycle, if any.
func (c *Controller) Status() (State, *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return c.state, nil
	}
	last := *c.last
	return c.state, &last
}

func (c *Controller) skip() {
	c.logger.Info("refresh already running, trigger dropped")
	metrics.RefreshCycles.WithLabelValues(string(OutcomeSkipped)).Inc()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.RefreshState.WithLabelValues(string(st)).Set(v)
	}
}

func (c *Controller) cycle(ctx context.Context) Result {
	res := Result{RunID: uuid.NewString(), StartedAt: c.now()}
	log := c.logger.With("run_id", res.RunID)
	log.Info("refresh cycle started", "estimators", c.opts.Estimators)

	err := c.train(ctx, log, &res)
	if err != nil {
		c.setState(StateFailed)
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		log.Error("refresh cycle failed", "error", err)
	}
	res.FinishedAt = c.now()
	c.setState(StateIdle)

	metrics.RefreshCycles.WithLabelValues(string(res.Outcome)).Inc()
	metrics.RefreshDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())

	c.mu.Lock()
	c.last = &res
	c.mu.Unlock()
	log.Info("refresh cycle finished", "outcome", res.Outcome, "candidate", res.CandidateVersion, "duration", res.FinishedAt.Sub(res.StartedAt))
	return res
}

// train covers Training, Validating and Promoting. Any error it returns
// leaves the active pointer as it was.
func (c *Controller) train(ctx context.Context, log *slog.Logger, res *Result) error {
	c.setState(StateTraining)
	start, end, err := c.window(ctx, res.StartedAt)
	if err != nil {
		return err
	}
	res.WindowStart, res.WindowEnd = start, end

	records, err := c.history.RecordsBetween(ctx, start, end)
	if err != nil {
		return fmt.Errorf("load training window: %w", err)
	}
	res.Samples = len(records)
	if len(records) == 0 || len(records) < c.opts.MinSamples {
		return fmt.Errorf("%w: %d < %d", ErrNotEnoughData, len(records), max(c.opts.MinSamples, 1))
	}

	ds, err := feature.BuildDataset(records, c.opts.Features, c.opts.ValidationFrac)
	if err != nil {
		return fmt.Errorf("build dataset: %w", err)
	}
	if len(ds.Train) == 0 {
		return fmt.Errorf("%w: empty training split", ErrNotEnoughData)
	}
	models, err := c.fit(ctx, log, ds.Train, res)
	if err != nil {
		return err
	}

	c.setState(StateValidating)
	holdout := ds.Validation
	if len(holdout) == 0 {
		holdout = ds.Train
	}
	best := c.selectBest(log, models, holdout, res)
	metrics.CandidateValidationError.Set(res.CandidateError)

	params, err := models[best].MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	id, err := retryWithData(ctx, c.retryPolicy(), log, "put candidate", func() (int64, error) {
		return c.store.Put(ctx, modelstore.Artifact{
			Estimator:           res.Estimator,
			RunID:               res.RunID,
			Parameters:          params,
			TrainingWindowStart: start,
			TrainingWindowEnd:   end,
			ValidationError:     res.CandidateError,
			TrainingSamples:     len(ds.Train),
			ValidationSamples:   len(ds.Validation),
		})
	})
	if err != nil {
		return err
	}
	res.CandidateVersion = id

	activeErr, activeID, err := c.activeError(ctx, log, holdout)
	if err != nil {
		c.discard(ctx, log, id)
		return err
	}
	res.ActiveVersion = activeID
	res.ActiveError = activeErr
	if activeID != 0 && res.CandidateError > activeErr+c.opts.Tolerance {
		log.Info("candidate rejected", "candidate", id, "candidate_error", res.CandidateError, "active", activeID, "active_error", activeErr, "tolerance", c.opts.Tolerance)
		c.discard(ctx, log, id)
		res.Outcome = OutcomeRejected
		return nil
	}

	c.setState(StatePromoting)
	_, err = retryWithData(ctx, c.retryPolicy(), log, "promote", func() (struct{}, error) {
		err := c.store.Promote(ctx, id)
		if errors.Is(err, modelstore.ErrNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	})
	if err != nil {
		c.discard(ctx, log, id)
		return err
	}
	res.Outcome = OutcomePromoted
	log.Info("candidate promoted", "version", id, "estimator", res.Estimator, "candidate_error", res.CandidateError, "previous", activeID, "previous_error", activeErr)

	c.collectGarbage(ctx, log)
	return nil
}

// window returns the training interval. It ends just after the newest stored
// record, or at now if that is earlier.
func (c *Controller) window(ctx context.Context, now time.Time) (time.Time, time.Time, error) {
	end := now
	latest, err := c.history.LatestRecordTime(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("find newest record: %w", err)
	}
	if !latest.IsZero() {
		// recorded times have second resolution
		if after := latest.Add(time.Second); after.Before(end) {
			end = after
		}
	}
	return end.Add(-c.opts.Window), end, nil
}

// fit trains every configured estimator on the same samples. Estimators that
// fail are recorded in res and skipped; fit errors only if none succeeded.
func (c *Controller) fit(ctx context.Context, log *slog.Logger, samples []feature.Sample, res *Result) (map[string]estimator.Model, error) {
	models := make(map[string]estimator.Model, len(c.opts.Estimators))
	var firstErr error
	for _, name := range c.opts.Estimators {
		trainer, err := estimator.NewTrainer(name, c.opts.EstimatorOpts)
		if err == nil {
			var m estimator.Model
			if m, err = trainer.Train(ctx, samples); err == nil {
				models[name] = m
				continue
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		err = fmt.Errorf("train %s: %w", name, err)
		log.Warn("estimator failed to train", "estimator", name, "error", err)
		res.Candidates = append(res.Candidates, Candidate{Estimator: name, Failure: err.Error()})
		if firstErr == nil {
			firstErr = err
		}
	}
	if len(models) == 0 {
		return nil, firstErr
	}
	return models, nil
}

// selectBest scores every model on holdout and returns the name of the one
// with the lowest RMSE. Ties go to the earlier configured estimator.
func (c *Controller) selectBest(log *slog.Logger, models map[string]estimator.Model, holdout []feature.Sample, res *Result) string {
	best, bestIdx := "", -1
	for _, name := range c.opts.Estimators {
		m, ok := models[name]
		if !ok {
			continue
		}
		rmse := estimator.RMSE(m, holdout)
		res.Candidates = append(res.Candidates, Candidate{Estimator: name, Error: rmse})
		log.Info("estimator scored", "estimator", name, "validation_error", rmse)
		if bestIdx < 0 || rmse < res.CandidateError {
			best, bestIdx = name, len(res.Candidates)-1
			res.CandidateError = rmse
		}
	}
	res.Candidates[bestIdx].Selected = true
	res.Estimator = best
	return best
}

// discard deletes a stored candidate that will not be promoted. It runs even
// when ctx is cancelled.
func (c *Controller) discard(ctx context.Context, log *slog.Logger, id int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.store.Delete(ctx, id); err != nil {
		log.Warn("could not discard candidate", "candidate", id, "error", err)
		return
	}
	log.Debug("candidate discarded", "candidate", id)
}

// activeError scores the active model on the same holdout as the candidate.
// It returns a zero id when nothing is active.
func (c *Controller) activeError(ctx context.Context, log *slog.Logger, holdout []feature.Sample) (float64, int64, error) {
	art, err := c.store.GetActive(ctx)
	if errors.Is(err, modelstore.ErrNoActiveModel) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("load active model: %w", err)
	}
	m, err := estimator.Decode(art.Estimator, art.Parameters)
	if err != nil {
		log.Warn("active model cannot be rescored, using its recorded error", "version", art.VersionID, "error", err)
		return art.ValidationError, art.VersionID, nil
	}
	return estimator.RMSE(m, holdout), art.VersionID, nil
}

// collectGarbage deletes all but the newest Retention versions, never the
// active one. Failures are logged; they do not fail the cycle.
func (c *Controller) collectGarbage(ctx context.Context, log *slog.Logger) {
	ids, err := c.store.List(ctx)
	if err != nil {
		log.Warn("list versions for cleanup", "error", err)
		return
	}
	if len(ids) <= c.opts.Retention {
		return
	}
	active, err := c.store.ActiveVersion(ctx)
	if err != nil {
		log.Warn("read active version for cleanup", "error", err)
		return
	}
	for _, id := range ids[:len(ids)-c.opts.Retention] {
		if id == active {
			continue
		}
		if err := c.store.Delete(ctx, id); err != nil {
			log.Warn("delete old model version", "version", id, "error", err)
			continue
		}
		log.Debug("deleted old model version", "version", id)
	}
}

func (c *Controller) retryPolicy() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     c.opts.RetryInitial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         c.opts.RetryMaxElapsed / 4,
		MaxElapsedTime:      c.opts.RetryMaxElapsed,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
}

func retryWithData[T any](ctx context.Context, b backoff.BackOff, log *slog.Logger, op string, fn func() (T, error)) (T, error) {
	v, err := backoff.RetryNotifyWithData(fn, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Warn("object store write failed, retrying", "op", op, "in", d, "error", err)
	})
	if err != nil {
		return v, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}
