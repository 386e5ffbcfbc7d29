package provider

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"

	"unigate/internal/models"
)

const (
	initialScanBuffer = 64 * 1024
	maxFrameSize      = 1 << 20
)

// ChunkDecoder turns one cleaned frame into zero or more fragments. It owns
// any cross-frame state, such as tool-call arguments still being assembled.
type ChunkDecoder interface {
	// Decode parses one frame. A *BackendError ends the stream; any other
	// error means the frame is skipped.
	Decode(payload []byte) ([]models.Fragment, error)
	// Finish flushes pending state when the stream ends normally.
	Finish() []models.Fragment
}

// Stream is a lazy, finite, non-restartable sequence of fragments decoded
// from a backend response body. It is not safe for concurrent use.
//
//	for stream.Next() {
//		frag := stream.Current()
//	}
//	if err := stream.Err(); err != nil { ... }
type Stream struct {
	ctx     context.Context
	backend string
	body    io.ReadCloser
	scanner *bufio.Scanner
	framing Framing
	decoder ChunkDecoder

	pending []models.Fragment
	current models.Fragment
	err     error
	done    bool
	skipped int
}

// NewStream wraps body. The stream takes ownership of body and closes it on Close.
func NewStream(ctx context.Context, backend string, body io.ReadCloser, framing Framing, decoder ChunkDecoder) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, initialScanBuffer), maxFrameSize)
	scanner.Split(framing.Split)

	return &Stream{
		ctx:     ctx,
		backend: backend,
		body:    body,
		scanner: scanner,
		framing: framing,
		decoder: decoder,
	}
}

// Next advances to the next fragment. It returns false at end of stream or
// on error; check Err afterwards.
func (s *Stream) Next() bool {
	for {
		if len(s.pending) > 0 {
			s.current = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		if s.done {
			return false
		}
		if err := s.ctx.Err(); err != nil {
			s.fail(err)
			return false
		}

		if !s.scanner.Scan() {
			s.finish(s.scanner.Err())
			continue
		}

		payload, state := s.framing.Payload(s.scanner.Bytes())
		switch state {
		case FrameSkip:
			continue
		case FrameDone:
			s.finish(nil)
			continue
		}

		fragments, err := s.decoder.Decode(payload)
		var backendErr *BackendError
		if errors.As(err, &backendErr) {
			s.fail(err)
			return false
		}
		if err != nil {
			s.skipped++
			slog.Warn("skipping malformed stream frame",
				"backend", s.backend,
				"framing", s.framing.Name,
				"error", err,
				"data", Truncate(string(payload), 200),
			)
			continue
		}
		s.pending = append(s.pending, fragments...)
	}
}

// finish ends the stream. A clean end flushes the decoder; a read error or
// cancellation discards whatever was still being assembled.
func (s *Stream) finish(readErr error) {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		s.fail(ctxErr)
		return
	}
	if readErr != nil {
		if errors.Is(readErr, bufio.ErrTooLong) {
			readErr = &DecodeError{Backend: s.backend, Err: readErr}
		}
		s.fail(&BackendError{Backend: s.backend, Op: "stream", Err: readErr})
		return
	}
	s.done = true
	s.pending = append(s.pending, s.decoder.Finish()...)
}

func (s *Stream) fail(err error) {
	s.done = true
	s.pending = nil
	if s.err == nil {
		s.err = err
	}
}

// Current returns the fragment produced by the last successful Next.
func (s *Stream) Current() models.Fragment {
	return s.current
}

// Err returns the error that stopped the stream, if any. A body that simply
// ends is not an error.
func (s *Stream) Err() error {
	return s.err
}

// Skipped returns how many frames failed to decode and were dropped.
func (s *Stream) Skipped() int {
	return s.skipped
}

// Backend returns the name of the backend producing the stream.
func (s *Stream) Backend() string {
	return s.backend
}

// Close releases the response body. It is safe to call more than once.
func (s *Stream) Close() error {
	s.done = true
	s.pending = nil
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	return err
}
