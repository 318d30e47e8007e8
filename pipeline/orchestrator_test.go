package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/localcoder/agent"
	"github.com/c360studio/localcoder/codecheck"
	"github.com/c360studio/localcoder/config"
	"github.com/c360studio/localcoder/llm/testutil"
	"github.com/c360studio/localcoder/workflow/prompts"
)

const testMaxTokens = 2048

func newTestOrchestrator(mock *testutil.MockEngine, opts ...Option) *Orchestrator {
	return NewOrchestrator(agent.NewSet(mock, testMaxTokens), opts...)
}

func scripted() *testutil.MockEngine {
	return &testutil.MockEngine{
		Responses: []string{
			"The user wants an add function.",
			"1. Define add.",
			"```python\ndef add(a, b):\n    return a + b\n```",
			"Code looks good",
		},
	}
}

func TestExecute_StageOrderAndHandOff(t *testing.T) {
	mock := scripted()
	o := newTestOrchestrator(mock)
	rec := &Recorder{}

	run, err := o.Execute(context.Background(), Request{
		Message:     "write add",
		ContextCode: "# utils.py",
	}, rec)
	require.NoError(t, err)

	assert.Equal(t, StateDone, run.State)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "The user wants an add function.", run.Analysis)
	assert.Equal(t, "1. Define add.", run.Plan)
	assert.Equal(t, "```python\ndef add(a, b):\n    return a + b\n```", run.Code)
	assert.Equal(t, "Code looks good", run.Review)

	reqs := mock.Requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, prompts.ReasonerPrompt("write add", "# utils.py"), reqs[0].Prompt)
	assert.Equal(t, prompts.PlannerPrompt(run.Analysis), reqs[1].Prompt)
	assert.Equal(t, prompts.GeneratorPrompt(run.Plan), reqs[2].Prompt)
	assert.Equal(t, prompts.ReviewerPrompt(run.Code, run.Analysis), reqs[3].Prompt)

	assert.Equal(t, testMaxTokens, reqs[0].MaxTokens)
	assert.Equal(t, 2*testMaxTokens, reqs[2].MaxTokens)

	events := rec.Events()
	require.Len(t, events, 8)
	for i, stage := range Stages {
		started, completed := events[2*i], events[2*i+1]
		assert.Equal(t, EventStageStarted, started.Type)
		assert.Equal(t, stage, started.Stage)
		assert.Equal(t, stage.Label(), started.Label)
		assert.Empty(t, started.Artifact)

		assert.Equal(t, EventStageCompleted, completed.Type)
		assert.Equal(t, stage, completed.Stage)
		assert.Equal(t, run.Artifact(stage), completed.Artifact)
		assert.Equal(t, run.ID, completed.RunID)
	}
}

func TestExecute_UsesGivenRunID(t *testing.T) {
	o := newTestOrchestrator(scripted())
	run, err := o.Execute(context.Background(), Request{Message: "m", RunID: "run-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
}

func TestExecute_Preconditions(t *testing.T) {
	mock := scripted()
	rec := &Recorder{}

	var nilOrch *Orchestrator
	_, err := nilOrch.Execute(context.Background(), Request{Message: "m"}, rec)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = NewOrchestrator(nil).Execute(context.Background(), Request{Message: "m"}, rec)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = newTestOrchestrator(mock).Execute(context.Background(), Request{}, rec)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	assert.Empty(t, rec.Events())
	assert.Zero(t, mock.GetCallCount())
}

func TestExecute_StageFailureStopsRun(t *testing.T) {
	engineErr := errors.New("server gone")
	mock := scripted()
	mock.Err = engineErr
	mock.ErrOnCall = 2
	rec := &Recorder{}

	run, err := newTestOrchestrator(mock).Execute(context.Background(), Request{Message: "m"}, rec)
	require.Error(t, err)

	var stageErr *StageExecutionError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StatePlanning, stageErr.Stage)
	assert.ErrorIs(t, err, engineErr)
	assert.Equal(t, "planning: server gone", err.Error())

	stage, ok := FailedStage(err)
	assert.True(t, ok)
	assert.Equal(t, StatePlanning, stage)

	assert.Equal(t, StateFailed, run.State)
	assert.Equal(t, StatePlanning, run.FailedStage)
	assert.NotEmpty(t, run.Analysis)
	assert.Empty(t, run.Plan)

	events := rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, EventStageStarted, events[2].Type)
	assert.Equal(t, StatePlanning, events[2].Stage)
	assert.Equal(t, 2, mock.GetCallCount())
}

func TestExecute_StreamErrorFailsFirstStage(t *testing.T) {
	streamErr := errors.New("connection reset")
	mock := scripted()
	mock.StreamErr = streamErr

	_, err := newTestOrchestrator(mock).Execute(context.Background(), Request{Message: "m"}, nil)
	assert.ErrorIs(t, err, streamErr)
	stage, _ := FailedStage(err)
	assert.Equal(t, StateReasoning, stage)
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	mock := scripted()
	rec := &Recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestOrchestrator(mock).Execute(ctx, Request{Message: "m"}, rec)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.Events())
	assert.Zero(t, mock.GetCallCount())
}

func TestExecute_CancelledBetweenStages(t *testing.T) {
	mock := scripted()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &Recorder{}
	sink := MultiSink{rec, SinkFunc(func(ev Event) {
		if ev.Type == EventStageCompleted && ev.Stage == StateReasoning {
			cancel()
		}
	})}

	run, err := newTestOrchestrator(mock).Execute(ctx, Request{Message: "m"}, sink)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatePlanning, run.FailedStage)
	assert.Len(t, rec.Events(), 2)
	assert.Equal(t, 1, mock.GetCallCount())
}

func TestExecute_BestEffortPassesEmptyArtifacts(t *testing.T) {
	mock := &testutil.MockEngine{}
	run, err := newTestOrchestrator(mock).Execute(context.Background(), Request{Message: "m"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, run.State)
	assert.Empty(t, run.Review)
	assert.Equal(t, 4, mock.GetCallCount())
}

func TestExecute_FailFastRejectsEmptyArtifact(t *testing.T) {
	mock := &testutil.MockEngine{Responses: []string{"analysis", "   "}}
	o := newTestOrchestrator(mock, WithPolicy(FailFast{}))

	run, err := o.Execute(context.Background(), Request{Message: "m"}, nil)
	assert.ErrorIs(t, err, ErrEmptyArtifact)
	assert.Equal(t, StatePlanning, run.FailedStage)
	assert.Empty(t, run.Plan)
}

func TestExecute_FailFastRejectsBrokenCode(t *testing.T) {
	mock := &testutil.MockEngine{Responses: []string{
		"analysis",
		"plan",
		"```python\ndef add(a, b:\n    return a + b\n```",
		"review",
	}}
	o := newTestOrchestrator(mock, WithPolicy(FailFast{Checker: codecheck.NewChecker()}))

	_, err := o.Execute(context.Background(), Request{Message: "m"}, nil)
	var syntaxErr *codecheck.SyntaxError
	require.ErrorAs(t, err, &syntaxErr)
	stage, _ := FailedStage(err)
	assert.Equal(t, StateGenerating, stage)
	assert.Equal(t, 3, mock.GetCallCount())
}

func TestExecute_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	o := newTestOrchestrator(scripted(), WithMetrics(m))
	_, err := o.Execute(context.Background(), Request{Message: "m"}, nil)
	require.NoError(t, err)

	failing := scripted()
	failing.Err = errors.New("boom")
	failing.ErrOnCall = 3
	_, err = newTestOrchestrator(failing, WithMetrics(m)).Execute(context.Background(), Request{Message: "m"}, nil)
	require.Error(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.RunCount(StateDone)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.RunCount(StateFailed)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.StageFailures(StateGenerating)))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.inFlight))
}

func TestNewPolicy(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", "best-effort", false},
		{"best-effort", "best-effort", false},
		{"fail-fast", "fail-fast", false},
		{"strict", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPolicy(config.PipelineConfig{Policy: tt.name})
			if tt.wantErr {
				if err == nil {
					t.Errorf("NewPolicy(%q) expected error", tt.name)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPolicy(%q) error = %v", tt.name, err)
			}
			if p.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.want)
			}
		})
	}
}

func TestFailFastCheck(t *testing.T) {
	ctx := context.Background()
	f := FailFast{Checker: codecheck.NewChecker()}

	assert.ErrorIs(t, f.Check(ctx, StateReasoning, "\n"), ErrEmptyArtifact)
	assert.NoError(t, f.Check(ctx, StateReasoning, "fine"))
	assert.NoError(t, f.Check(ctx, StateReviewing, "```python\ndef (\n```"))
	assert.NoError(t, f.Check(ctx, StateGenerating, "```go\npackage main\n```"))
	assert.Error(t, f.Check(ctx, StateGenerating, "```python\ndef (\n```"))
}

func TestFailFastCheck_UnfencedCode(t *testing.T) {
	ctx := context.Background()
	broken := "def reverse(s:\n    return s[::-1]\n"
	valid := "def reverse(s):\n    return s[::-1]\n"

	tests := []struct {
		name     string
		language string
		artifact string
		wantErr  bool
	}{
		{"broken, any language", "", broken, true},
		{"valid, any language", "", valid, false},
		{"broken, python", "python", broken, true},
		{"valid, python", "python", valid, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPolicy(config.PipelineConfig{Policy: config.PolicyFailFast, CodeLanguage: tt.language})
			require.NoError(t, err)

			err = p.Check(ctx, StateGenerating, tt.artifact)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var syntaxErr *codecheck.SyntaxError
			assert.ErrorAs(t, err, &syntaxErr)
		})
	}
}

func TestNewPolicy_UnsupportedLanguage(t *testing.T) {
	_, err := NewPolicy(config.PipelineConfig{Policy: config.PolicyFailFast, CodeLanguage: "cobol"})
	assert.Error(t, err)

	p, err := NewPolicy(config.PipelineConfig{Policy: config.PolicyBestEffort, CodeLanguage: "cobol"})
	require.NoError(t, err)
	assert.Equal(t, config.PolicyBestEffort, p.Name())
}
