// Package episode drives the closed navigation loop: one Step pulls a
// sensor frame, builds the observation, segments it, asks the policy for an
// action and dispatches that action to the backend. The controller owns the
// episode bookkeeping and decides when the episode is over.
package episode

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/scout/internal/actuator"
	"github.com/banshee-data/scout/internal/categories"
	"github.com/banshee-data/scout/internal/faults"
	"github.com/banshee-data/scout/internal/monitoring"
	"github.com/banshee-data/scout/internal/motion"
	"github.com/banshee-data/scout/internal/observation"
	"github.com/banshee-data/scout/internal/timeutil"
)

// Episode is the controller's bookkeeping for one navigation attempt.
type Episode struct {
	ID        string
	GoalLabel string
	Goal      int
	MaxSteps  int
	Backend   string
	StepCount int
	Finished  bool
	EndReason string // EndStop or EndStepLimit once finished
	// Retries counts failed inference attempts over the whole episode.
	Retries   int
	StartedAt time.Time
}

// Reasons an episode ends.
const (
	EndStop      = "stop"
	EndStepLimit = "step_limit"
)

// StepRecord describes one completed or aborted step.
type StepRecord struct {
	Step     int
	At       time.Time
	Action   int // -1 when the step aborted before an action was chosen
	Outcome  string
	Pose     observation.Pose
	Latency  time.Duration // segmentation plus policy
	Attempts int
	Finished bool
	Err      string
}

// Recorder persists episodes and their steps. Recording failures are
// logged and never fail a step.
type Recorder interface {
	StartEpisode(ctx context.Context, ep Episode) error
	RecordStep(ctx context.Context, episodeID string, rec StepRecord) error
	FinishEpisode(ctx context.Context, ep Episode) error
}

// Segmenter produces the category map and overlay for a frame.
type Segmenter interface {
	Segment(ctx context.Context, rgb *image.RGBA, depth *observation.DepthMap) (*observation.SemanticMap, *image.RGBA, error)
}

// Policy chooses actions and owns the recurrent state.
type Policy interface {
	Act(ctx context.Context, obs *observation.Observation) (int, *image.RGBA, error)
	Reset()
}

// Options configure a Controller.
type Options struct {
	Goal                    string
	MaxSteps                int
	ForwardDist             float64 // metres
	TurnAngleDeg            float64
	InferenceRetries        int
	UseRealGoalConditioning bool
	MaxActuatorFailures     int
}

// Controller sequences the pipeline components. Steps are strictly serial.
type Controller struct {
	backend    actuator.Backend
	pre        *observation.Preprocessor
	seg        Segmenter
	policy     Policy
	dispatcher *motion.Dispatcher
	recorder   Recorder
	clock      timeutil.Clock
	log        *monitoring.Logger

	retries     int
	realGoal    bool
	maxFailures int
	closers     []func() error

	stepMu sync.Mutex

	mu      sync.Mutex
	ep      Episode
	lastVis *image.RGBA
	last    StepRecord
	fatal   error
}

// Components are the collaborators handed to New.
type Components struct {
	Backend      actuator.Backend
	Preprocessor *observation.Preprocessor
	Segmenter    Segmenter
	Policy       Policy
	Recorder     Recorder // optional
	Clock        timeutil.Clock
	Log          *monitoring.Logger
}

// New validates the goal and components, resets the policy and starts a
// fresh episode. Every failure is a ConfigError and no step can run.
func New(ctx context.Context, c Components, opts Options) (*Controller, error) {
	goal, err := categories.ResolveGoal(opts.Goal)
	if err != nil {
		return nil, err
	}
	switch {
	case c.Backend == nil:
		return nil, faults.Configf("backend", "backend is required")
	case c.Preprocessor == nil:
		return nil, faults.Configf("preprocessor", "preprocessor is required")
	case c.Segmenter == nil:
		return nil, faults.Configf("segmentation", "segmenter is required")
	case c.Policy == nil:
		return nil, faults.Configf("policy", "policy is required")
	case opts.MaxSteps < 0:
		return nil, faults.Configf("max_steps", "must be non-negative, got %d", opts.MaxSteps)
	case opts.InferenceRetries < 0:
		return nil, faults.Configf("inference_retries", "must be non-negative, got %d", opts.InferenceRetries)
	case opts.ForwardDist <= 0 || opts.TurnAngleDeg <= 0:
		return nil, faults.Configf("motion", "forward distance and turn angle must be positive")
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	if opts.MaxActuatorFailures < 1 {
		opts.MaxActuatorFailures = 1
	}

	ctl := &Controller{
		backend:     c.Backend,
		pre:         c.Preprocessor,
		seg:         c.Segmenter,
		policy:      c.Policy,
		dispatcher:  motion.NewDispatcher(c.Backend, opts.ForwardDist, opts.TurnAngleDeg, c.Log.Named("dispatch")),
		recorder:    c.Recorder,
		clock:       c.Clock,
		log:         c.Log,
		retries:     opts.InferenceRetries,
		realGoal:    opts.UseRealGoalConditioning,
		maxFailures: opts.MaxActuatorFailures,
		ep: Episode{
			ID:        uuid.NewString(),
			GoalLabel: categories.GoalLabel(goal),
			Goal:      goal,
			MaxSteps:  opts.MaxSteps,
			Backend:   c.Backend.Name(),
			StartedAt: c.Clock.Now(),
		},
	}
	ctl.policy.Reset()

	if ctl.recorder != nil {
		if err := ctl.recorder.StartEpisode(ctx, ctl.ep); err != nil {
			ctl.log.Opsf("failed to record episode %s start: %v", ctl.ep.ID, err)
		}
	}
	ctl.log.Diagf("episode %s: goal %q (%d), max %d steps, backend %s",
		ctl.ep.ID, ctl.ep.GoalLabel, goal, opts.MaxSteps, ctl.ep.Backend)
	return ctl, nil
}

// Episode returns a snapshot of the episode bookkeeping.
func (c *Controller) Episode() Episode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep
}

// Finished reports whether the episode has terminated.
func (c *Controller) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep.Finished
}

// LastVisualization returns the most recent segmentation overlay, or nil
// before the first successful inference. It is for display only.
func (c *Controller) LastVisualization() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastVis
}

// LastStep returns the record of the most recent step.
func (c *Controller) LastStep() StepRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Step runs one control cycle. It returns ErrEpisodeFinished once the
// episode is over and the latched error once a fatal failure has occurred.
// A started step always runs to completion: cancelling ctx does not abort
// an in-flight motion command.
func (c *Controller) Step(ctx context.Context) error {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()

	c.mu.Lock()
	if c.ep.Finished {
		c.mu.Unlock()
		return faults.ErrEpisodeFinished
	}
	if c.fatal != nil {
		err := c.fatal
		c.mu.Unlock()
		return err
	}
	c.ep.StepCount++
	step := c.ep.StepCount
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	rec := StepRecord{Step: step, At: c.clock.Now(), Action: -1}

	frame, err := c.backend.SensorFrame(ctx)
	if err != nil {
		return c.abort(ctx, rec, asActuator("sensor_frame", err), false)
	}
	rec.Pose = frame.Pose

	obs, err := c.pre.Preprocess(*frame, c.ep.Goal)
	if err != nil {
		return c.abort(ctx, rec, err, faults.IsFatal(err))
	}
	if !c.realGoal {
		obs.ClearGoalConditioning()
	}

	start := c.clock.Now()
	action, vis, err := c.infer(ctx, obs, &rec)
	rec.Latency = c.clock.Since(start)
	if err != nil {
		return c.abort(ctx, rec, err, true)
	}
	rec.Action = action
	c.log.Tracef("step %d: action %s, Time %.2f", step, motion.Action(action), rec.Latency.Seconds())

	c.mu.Lock()
	c.lastVis = vis
	c.mu.Unlock()

	outcome, derr := c.dispatcher.Dispatch(ctx, action)
	rec.Outcome = outcome.String()
	if derr != nil {
		derr = asActuator("move", derr)
		rec.Err = derr.Error()
	}

	c.mu.Lock()
	switch {
	case outcome == motion.Stopped:
		c.ep.Finished, c.ep.EndReason = true, EndStop
	case c.ep.StepCount > c.ep.MaxSteps:
		c.ep.Finished, c.ep.EndReason = true, EndStepLimit
	}
	rec.Finished = c.ep.Finished
	c.last = rec
	ep := c.ep
	c.mu.Unlock()

	c.record(ctx, rec)
	if ep.Finished {
		c.finish(ctx, ep)
	}
	return derr
}

// infer runs segmentation and the policy, retrying the pair on inference
// failure. Every failed attempt is counted on the episode.
func (c *Controller) infer(ctx context.Context, obs *observation.Observation, rec *StepRecord) (int, *image.RGBA, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		rec.Attempts++
		action, vis, err := c.inferOnce(ctx, obs)
		if err == nil {
			return action, vis, nil
		}
		if faults.IsFatal(err) {
			return 0, nil, err
		}
		lastErr = err

		c.mu.Lock()
		c.ep.Retries++
		c.mu.Unlock()
		c.log.Opsf("step %d: attempt %d/%d failed: %v", rec.Step, attempt+1, c.retries+1, err)
	}
	return 0, nil, fmt.Errorf("giving up after %d attempts: %w", c.retries+1, lastErr)
}

func (c *Controller) inferOnce(ctx context.Context, obs *observation.Observation) (int, *image.RGBA, error) {
	sem, vis, err := c.seg.Segment(ctx, obs.RGB, obs.Depth)
	if err != nil {
		return 0, nil, asInference("segmentation", err)
	}
	obs.Semantic = sem
	obs.SemanticVis = vis

	action, vis, err := c.policy.Act(ctx, obs)
	if err != nil {
		if faults.IsFatal(err) {
			return 0, nil, err
		}
		return 0, nil, asInference("policy", err)
	}
	return action, vis, nil
}

// abort ends a step that never reached dispatch. The step is not counted;
// a fatal error is latched so every later Step returns it.
func (c *Controller) abort(ctx context.Context, rec StepRecord, err error, fatal bool) error {
	c.mu.Lock()
	c.ep.StepCount--
	if fatal {
		c.fatal = err
	}
	rec.Err = err.Error()
	c.last = rec
	c.mu.Unlock()

	if fatal {
		c.log.Opsf("step %d: fatal: %v", rec.Step, err)
	} else {
		c.log.Opsf("step %d: %v", rec.Step, err)
	}
	c.record(ctx, rec)
	return err
}

func (c *Controller) record(ctx context.Context, rec StepRecord) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordStep(ctx, c.ep.ID, rec); err != nil {
		c.log.Opsf("failed to record step %d: %v", rec.Step, err)
	}
}

func (c *Controller) finish(ctx context.Context, ep Episode) {
	c.log.Diagf("episode %s finished after %d steps (%s)", ep.ID, ep.StepCount, ep.EndReason)
	if c.recorder == nil {
		return
	}
	if err := c.recorder.FinishEpisode(ctx, ep); err != nil {
		c.log.Opsf("failed to record episode %s finish: %v", ep.ID, err)
	}
}

// Run calls Step until the episode finishes. Cancellation is observed
// between steps. Actuator failures are tolerated until MaxActuatorFailures
// happen in a row; any other error ends the run.
func (c *Controller) Run(ctx context.Context) error {
	failures := 0
	for !c.Finished() {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.Step(ctx)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, faults.ErrActuator):
			failures++
			if failures >= c.maxFailures {
				return fmt.Errorf("%d consecutive actuator failures: %w", failures, err)
			}
		default:
			return err
		}
	}
	return nil
}

// Close releases the connections and backend opened by Build. Components
// handed to New or Build by the caller stay open.
func (c *Controller) Close() error {
	var errs []error
	for _, closer := range c.closers {
		errs = append(errs, closer())
	}
	return errors.Join(errs...)
}

func asActuator(op string, err error) error {
	if errors.Is(err, faults.ErrActuator) {
		return err
	}
	return faults.Actuator(op, err)
}

func asInference(stage string, err error) error {
	if errors.Is(err, faults.ErrInference) {
		return err
	}
	return faults.Inference(stage, err)
}
