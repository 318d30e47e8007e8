// Package pipeline runs the four coding stages (reasoning, planning,
// generation, review) strictly in sequence over one shared engine, and
// owns the readiness of the service that exposes them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/localcoder/agent"
)

// Request is the input of one run.
type Request struct {
	// Message is the user's request. Required.
	Message string

	// ContextCode is optional code the user attached.
	ContextCode string

	// RunID identifies the run; generated when empty.
	RunID string
}

// Run holds a run's artifacts. It lives for one request and is never stored.
type Run struct {
	ID    string
	State State

	Analysis string
	Plan     string
	Code     string
	Review   string

	// FailedStage and Err are set when State is StateFailed.
	FailedStage State
	Err         error

	StartedAt time.Time
	Durations map[State]time.Duration
}

// transition moves the run to target if the state machine allows it.
func (r *Run) transition(target State) error {
	if !r.State.CanTransitionTo(target) {
		return fmt.Errorf("invalid run transition %s -> %s", r.State, target)
	}
	r.State = target
	return nil
}

// Artifact returns the artifact produced by stage.
func (r *Run) Artifact(stage State) string {
	switch stage {
	case StateReasoning:
		return r.Analysis
	case StatePlanning:
		return r.Plan
	case StateGenerating:
		return r.Code
	case StateReviewing:
		return r.Review
	default:
		return ""
	}
}

func (r *Run) setArtifact(stage State, text string) {
	switch stage {
	case StateReasoning:
		r.Analysis = text
	case StatePlanning:
		r.Plan = text
	case StateGenerating:
		r.Code = text
	case StateReviewing:
		r.Review = text
	}
}

// Orchestrator executes runs. It is safe for concurrent use; concurrent runs
// interleave only at stage granularity because the engine serves one stream
// at a time.
type Orchestrator struct {
	agents  *agent.Set
	policy  Policy
	metrics *Metrics
	logger  *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the artifact policy (default: best-effort).
func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator creates an orchestrator over a loaded engine's agents.
func NewOrchestrator(agents *agent.Set, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		agents: agents,
		policy: BestEffort{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Policy returns the artifact policy in use.
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// Execute runs the four stages in order. Each stage starts only after the
// previous artifact is complete. On failure it returns the partial run and a
// *StageExecutionError, and emits no further events.
func (o *Orchestrator) Execute(ctx context.Context, req Request, sink Sink) (*Run, error) {
	if o == nil || o.agents == nil {
		return nil, ErrNotReady
	}
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	if sink == nil {
		sink = Discard
	}

	run := &Run{
		ID:        req.RunID,
		State:     StateNotStarted,
		StartedAt: time.Now(),
		Durations: make(map[State]time.Duration, len(Stages)),
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	logger := o.logger.With("run_id", run.ID)

	o.metrics.runStarted()
	logger.Info("Pipeline run started", "message_bytes", len(req.Message), "context_bytes", len(req.ContextCode))

	for _, stage := range Stages {
		if err := ctx.Err(); err != nil {
			return o.fail(run, stage, err, logger)
		}
		if err := run.transition(stage); err != nil {
			return o.fail(run, stage, err, logger)
		}

		start := time.Now()
		sink.Emit(Event{
			Type:  EventStageStarted,
			RunID: run.ID,
			Stage: stage,
			Label: stage.Label(),
			Time:  start,
		})

		artifact, err := o.runStage(ctx, stage, run, req)
		if err == nil {
			err = o.policy.Check(ctx, stage, artifact)
		}
		if err != nil {
			return o.fail(run, stage, err, logger)
		}

		elapsed := time.Since(start)
		run.setArtifact(stage, artifact)
		run.Durations[stage] = elapsed
		o.metrics.stageCompleted(stage, elapsed, artifact)

		logger.Debug("Stage completed", "stage", stage, "artifact_bytes", len(artifact), "duration", elapsed)

		sink.Emit(Event{
			Type:     EventStageCompleted,
			RunID:    run.ID,
			Stage:    stage,
			Label:    stage.Label(),
			Artifact: artifact,
			Duration: elapsed,
			Time:     time.Now(),
		})
	}

	if err := run.transition(run.State.next()); err != nil {
		return o.fail(run, StateReviewing, err, logger)
	}
	o.metrics.runEnded(StateDone)
	logger.Info("Pipeline run completed", "duration", time.Since(run.StartedAt))
	return run, nil
}

// runStage invokes the agent for stage with the artifacts it depends on.
func (o *Orchestrator) runStage(ctx context.Context, stage State, run *Run, req Request) (string, error) {
	switch stage {
	case StateReasoning:
		return o.agents.Reasoner.Reason(ctx, req.Message, req.ContextCode)
	case StatePlanning:
		return o.agents.Planner.Plan(ctx, run.Analysis)
	case StateGenerating:
		return o.agents.Generator.Generate(ctx, run.Plan)
	case StateReviewing:
		return o.agents.Reviewer.Review(ctx, run.Code, run.Analysis)
	default:
		return "", fmt.Errorf("unknown stage %s", stage)
	}
}

func (o *Orchestrator) fail(run *Run, stage State, cause error, logger *slog.Logger) (*Run, error) {
	run.State = StateFailed
	run.FailedStage = stage
	run.Err = cause

	o.metrics.stageFailed(stage)
	o.metrics.runEnded(StateFailed)
	logger.Warn("Pipeline run failed", "stage", stage, "error", cause)

	return run, &StageExecutionError{Stage: stage, Cause: cause}
}
