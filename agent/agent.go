// Package agent implements the four role-specialised stages of the coding
// pipeline. Each agent renders its fixed prompt, streams one completion from
// the shared engine, and returns the trimmed text. Output is never validated
// or retried here.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/localcoder/llm"
	"github.com/c360studio/localcoder/model"
	"github.com/c360studio/localcoder/workflow/prompts"
)

// Completer is the subset of the engine used by the agents.
type Completer interface {
	StreamCompletion(ctx context.Context, req llm.CompletionRequest) (*llm.Stream, error)
}

// Option configures an agent.
type Option func(*base)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *base) {
		b.logger = logger
	}
}

// base holds what every agent shares.
type base struct {
	role      string
	engine    Completer
	maxTokens int
	logger    *slog.Logger
}

func newBase(role string, engine Completer, defaultMax int, opts []Option) base {
	b := base{
		role:      role,
		engine:    engine,
		maxTokens: model.TokenBudget(model.CapabilityForRole(role), defaultMax),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// run streams one completion and reduces it to text. Engine errors are
// returned unchanged.
func (b *base) run(ctx context.Context, prompt string) (string, error) {
	start := time.Now()

	stream, err := b.engine.StreamCompletion(ctx, llm.CompletionRequest{
		Prompt:    prompt,
		MaxTokens: b.maxTokens,
	})
	if err != nil {
		return "", err
	}

	text, err := llm.Collect(stream)
	if err != nil {
		return "", err
	}

	b.logger.Debug("Agent finished",
		"role", b.role,
		"prompt_bytes", len(prompt),
		"output_bytes", len(text),
		"max_tokens", b.maxTokens,
		"duration", time.Since(start))
	return text, nil
}

// MaxTokens returns the agent's per-call token budget.
func (b *base) MaxTokens() int {
	return b.maxTokens
}

// Reasoner restates the user's request as an analysis of their intent.
type Reasoner struct{ base }

// NewReasoner creates a reasoning agent with the default token budget.
func NewReasoner(engine Completer, defaultMax int, opts ...Option) *Reasoner {
	return &Reasoner{newBase(prompts.RoleReasoner, engine, defaultMax, opts)}
}

// Reason analyses userInput. contextCode may be empty.
func (r *Reasoner) Reason(ctx context.Context, userInput, contextCode string) (string, error) {
	return r.run(ctx, prompts.ReasonerPrompt(userInput, contextCode))
}

// Planner turns an analysis into an implementation plan.
type Planner struct{ base }

// NewPlanner creates a planning agent with the default token budget.
func NewPlanner(engine Completer, defaultMax int, opts ...Option) *Planner {
	return &Planner{newBase(prompts.RolePlanner, engine, defaultMax, opts)}
}

// Plan writes a step-by-step plan for analysis.
func (p *Planner) Plan(ctx context.Context, analysis string) (string, error) {
	return p.run(ctx, prompts.PlannerPrompt(analysis))
}

// Generator writes the code a plan describes. It gets twice the default
// token budget.
type Generator struct{ base }

// NewGenerator creates a code generation agent.
func NewGenerator(engine Completer, defaultMax int, opts ...Option) *Generator {
	return &Generator{newBase(prompts.RoleGenerator, engine, defaultMax, opts)}
}

// Generate writes code for plan.
func (g *Generator) Generate(ctx context.Context, plan string) (string, error) {
	return g.run(ctx, prompts.GeneratorPrompt(plan))
}

// Reviewer checks generated code against the analysed intent.
type Reviewer struct{ base }

// NewReviewer creates a review agent with the default token budget.
func NewReviewer(engine Completer, defaultMax int, opts ...Option) *Reviewer {
	return &Reviewer{newBase(prompts.RoleReviewer, engine, defaultMax, opts)}
}

// Review critiques code in light of analysis.
func (r *Reviewer) Review(ctx context.Context, code, analysis string) (string, error) {
	return r.run(ctx, prompts.ReviewerPrompt(code, analysis))
}

// Set is the four agents sharing one engine.
type Set struct {
	Reasoner  *Reasoner
	Planner   *Planner
	Generator *Generator
	Reviewer  *Reviewer
}

// NewSet creates all four agents over engine.
func NewSet(engine Completer, defaultMax int, opts ...Option) *Set {
	return &Set{
		Reasoner:  NewReasoner(engine, defaultMax, opts...),
		Planner:   NewPlanner(engine, defaultMax, opts...),
		Generator: NewGenerator(engine, defaultMax, opts...),
		Reviewer:  NewReviewer(engine, defaultMax, opts...),
	}
}
