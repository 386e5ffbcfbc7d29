package orchestrator

import (
	"context"
	"fmt"
	"time"

	"unigate/internal/models"
	"unigate/internal/observability"
	"unigate/internal/provider"
	"unigate/internal/tools"
)

// Stream relays text fragments of a streamed completion. When the backend
// issues a tool call, the tool runs and its result is the last fragment.
// A Stream is not safe for concurrent use.
type Stream struct {
	ctx     context.Context
	o       *Orchestrator
	inner   *provider.Stream
	toolset *tools.Set
	start   time.Time

	text    string
	err     error
	done    bool
	closed  bool
	metrics *observability.Metrics
}

// Stream opens a streamed completion. Parse and lookup errors are returned
// before any network call; opening the backend stream follows the backend's
// retry policy.
func (o *Orchestrator) Stream(ctx context.Context, req *models.ChatCompletionRequest) (*Stream, error) {
	start := time.Now()

	p, err := o.prepare(req)
	if err != nil {
		return nil, err
	}
	name := p.backend.Name()

	var inner *provider.Stream
	err = o.retry(ctx, name, func() error {
		var openErr error
		inner, openErr = p.backend.StreamChatCompletion(ctx, p.upstream)
		return openErr
	})
	if err != nil {
		o.metrics.RecordCompletion(name, modeStream, outcomeError, time.Since(start))
		return nil, fmt.Errorf("backend %s stream: %w", name, err)
	}

	o.metrics.IncActiveStreams(name)
	return &Stream{
		ctx:     ctx,
		o:       o,
		inner:   inner,
		toolset: p.toolset,
		start:   start,
		metrics: o.metrics,
	}, nil
}

// Next advances to the next text fragment. It returns false at the end of
// the stream or on error; check Err afterwards.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}

	for s.inner.Next() {
		frag := s.inner.Current()
		switch frag.Kind {
		case models.FragmentText:
			if frag.Text == "" {
				continue
			}
			s.text = frag.Text
			s.metrics.RecordStreamFragment(s.inner.Backend())
			return true
		case models.FragmentToolCall:
			s.done = true
			out, err := s.o.invoke(s.ctx, s.inner.Backend(), s.toolset, *frag.ToolCall)
			if err != nil {
				s.err = err
				return false
			}
			s.text = out
			s.metrics.RecordStreamFragment(s.inner.Backend())
			return true
		}
	}

	s.done = true
	if err := s.inner.Err(); err != nil {
		s.err = fmt.Errorf("backend %s stream: %w", s.inner.Backend(), err)
	}
	return false
}

// Text returns the fragment produced by the last successful Next.
func (s *Stream) Text() string {
	return s.text
}

// Err returns the error that ended the stream early, if any.
func (s *Stream) Err() error {
	return s.err
}

// Backend returns the name of the backend serving the stream.
func (s *Stream) Backend() string {
	return s.inner.Backend()
}

// Close releases the backend response. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.done = true

	backend := s.inner.Backend()
	outcome := outcomeOK
	if s.err != nil {
		outcome = outcomeOf(s.err)
	}
	s.metrics.RecordSkippedFrames(backend, s.inner.Skipped())
	s.metrics.RecordCompletion(backend, modeStream, outcome, time.Since(s.start))
	s.metrics.DecActiveStreams(backend)

	return s.inner.Close()
}
