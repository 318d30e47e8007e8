package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/c360studio/localcoder/pipeline"
)

// stageWriter renders pipeline events as the /chat text stream:
//
//	#### Reasoner Agent:
//	<analysis>
//
//	#### Planner Agent:
//	...
//
// Headers are committed on the first event so errors raised before any
// stage starts can still get their own status code.
type stageWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	runID   string
	logger  *slog.Logger
	started bool
}

func newStageWriter(w http.ResponseWriter, runID string, logger *slog.Logger) *stageWriter {
	return &stageWriter{
		w:      w,
		rc:     http.NewResponseController(w),
		runID:  runID,
		logger: logger,
	}
}

// begin commits the streaming response headers.
func (s *stageWriter) begin() {
	if s.started {
		return
	}
	s.started = true

	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set(HeaderRunID, s.runID)
	h.Set("Trailer", TrailerPipelineState)
	s.w.WriteHeader(http.StatusOK)
}

// Emit writes a stage header when a stage starts and its artifact when it
// completes.
func (s *stageWriter) Emit(ev pipeline.Event) {
	s.begin()

	switch ev.Type {
	case pipeline.EventStageStarted:
		s.write("#### " + ev.Label + ":\n")
	case pipeline.EventStageCompleted:
		sep := "\n\n"
		if ev.Stage == pipeline.Stages[len(pipeline.Stages)-1] {
			sep = "\n"
		}
		s.write(ev.Artifact + sep)
	}
}

// finish sets the completion trailer.
func (s *stageWriter) finish(status string) {
	s.begin()
	s.w.Header().Set(TrailerPipelineState, status)
}

// fail writes the failure block and the failed trailer.
func (s *stageWriter) fail(err error) {
	s.begin()
	s.write("#### Pipeline Failed:\n" + err.Error() + "\n")
	s.finish(PipelineFailed)
}

func (s *stageWriter) write(text string) {
	if _, err := io.WriteString(s.w, text); err != nil {
		// Client went away; the request context cancels the run.
		s.logger.Debug("Chat stream write failed", "run_id", s.runID, "error", err)
		return
	}
	if err := s.rc.Flush(); err != nil {
		s.logger.Debug("Chat stream flush failed", "run_id", s.runID, "error", err)
	}
}
