package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// Producer generates fragments by calling emit until generation ends.
// emit returns false once the stream is closed or its context is done;
// the producer should then return promptly.
type Producer func(ctx context.Context, emit func(string) bool) error

// Stream is an ordered, finite, non-restartable sequence of text fragments.
// Recv returns io.EOF after the last fragment.
type Stream struct {
	frags     chan string
	err       error
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewStream starts produce in its own goroutine and returns the consumer side.
func NewStream(ctx context.Context, produce Producer) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		frags:  make(chan string),
		cancel: cancel,
	}

	go func() {
		defer close(s.frags)
		emit := func(frag string) bool {
			select {
			case s.frags <- frag:
				return true
			case <-ctx.Done():
				return false
			}
		}
		s.err = produce(ctx, emit)
	}()

	return s
}

// Recv returns the next fragment. It returns io.EOF when generation ended
// normally, or the producer's error otherwise.
func (s *Stream) Recv() (string, error) {
	frag, ok := <-s.frags
	if ok {
		return frag, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

// Close stops generation and waits for the producer to exit.
// Closing a drained stream is a no-op.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		for range s.frags {
		}
	})
	return nil
}

// Collect drains stream and returns the concatenated, whitespace-trimmed text.
// The stream is always closed.
func Collect(stream *Stream) (string, error) {
	defer stream.Close()

	var b strings.Builder
	for {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return strings.TrimSpace(b.String()), nil
		}
		if err != nil {
			return "", err
		}
		b.WriteString(frag)
	}
}
