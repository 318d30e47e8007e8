package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/localcoder/codecheck"
	"github.com/c360studio/localcoder/config"
)

// Policy decides whether a stage artifact may be handed to the next stage.
type Policy interface {
	Name() string
	Check(ctx context.Context, stage State, artifact string) error
}

// BestEffort passes every artifact on, including empty text.
type BestEffort struct{}

// Name returns the policy identifier.
func (BestEffort) Name() string { return config.PolicyBestEffort }

// Check always accepts.
func (BestEffort) Check(context.Context, State, string) error { return nil }

// FailFast rejects empty artifacts, and generated code that does not parse.
// Fenced blocks are checked in their own language; unfenced output is
// checked as a whole.
type FailFast struct {
	Checker *codecheck.Checker
}

// Name returns the policy identifier.
func (FailFast) Name() string { return config.PolicyFailFast }

// Check rejects blank output at any stage and syntax errors at generation.
func (f FailFast) Check(ctx context.Context, stage State, artifact string) error {
	if strings.TrimSpace(artifact) == "" {
		return ErrEmptyArtifact
	}
	if stage != StateGenerating || f.Checker == nil {
		return nil
	}

	res, err := f.Checker.Check(ctx, artifact)
	if err != nil {
		return fmt.Errorf("check generated code: %w", err)
	}
	return res.Err()
}

// NewPolicy builds the policy described by cfg. An empty name selects
// best-effort.
func NewPolicy(cfg config.PipelineConfig) (Policy, error) {
	switch cfg.Policy {
	case "", config.PolicyBestEffort:
		return BestEffort{}, nil
	case config.PolicyFailFast:
		checker := codecheck.NewChecker(codecheck.WithDefaultLanguage(cfg.CodeLanguage))
		if cfg.CodeLanguage != "" && !checker.Supported(cfg.CodeLanguage) {
			return nil, fmt.Errorf("unsupported code language: %q", cfg.CodeLanguage)
		}
		return FailFast{Checker: checker}, nil
	default:
		return nil, fmt.Errorf("unknown pipeline policy: %q", cfg.Policy)
	}
}
