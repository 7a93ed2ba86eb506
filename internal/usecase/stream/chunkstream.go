package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"assistant-chat/internal/domain"
	"assistant-chat/internal/infra/metrics"
)

// DefaultReadBufferSize is the body read size used when none is configured.
const DefaultReadBufferSize = 4096

// ChunkError is a per-unit failure. It does not end the stream.
type ChunkError struct {
	Unit RawUnit // nil when the unit was never buffered (oversized)
	Err  error
}

func (e *ChunkError) Error() string { return e.Err.Error() }
func (e *ChunkError) Unwrap() error { return e.Err }

// StreamOptions tunes a ChunkStream.
type StreamOptions struct {
	IdleTimeout    time.Duration // zero disables the idle timer
	ReadBufferSize int
	MaxUnitBytes   int
	Metrics        *metrics.Metrics
}

type item struct {
	unit RawUnit
	err  error
}

// ChunkStream is a lazy, finite, non-restartable sequence of chunks read
// from a response body. It blocks only inside body.Read.
type ChunkStream struct {
	body       io.ReadCloser
	reasm      *Reassembler
	classifier *Classifier
	opts       StreamOptions

	buf      []byte
	pending  []item
	done     bool
	final    error // returned once pending is drained; io.EOF on clean end
	timedOut atomic.Bool
	closer   sync.Once
}

// NewChunkStream wraps body. The stream owns body and closes it at the end,
// on idle timeout, on cancellation, or on Close.
func NewChunkStream(body io.ReadCloser, classifier *Classifier, opts StreamOptions) *ChunkStream {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	return &ChunkStream{
		body:       body,
		reasm:      NewReassembler(opts.MaxUnitBytes),
		classifier: classifier,
		opts:       opts,
		buf:        make([]byte, opts.ReadBufferSize),
	}
}

// Next returns the next chunk. Per-unit failures come back as *ChunkError
// with a nil or UnknownChunk chunk and the stream stays usable. At the end
// Next returns io.EOF, or the terminal error: ErrTransport, ErrTimeout,
// ErrStreamCancelled, ErrStreamTruncated or ErrMalformedChunk.
func (s *ChunkStream) Next(ctx context.Context) (domain.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			it := s.pending[0]
			s.pending[0] = item{}
			s.pending = s.pending[1:]
			if it.err != nil {
				return nil, &ChunkError{Unit: it.unit, Err: it.err}
			}
			chunk, err := s.classifier.Classify(it.unit)
			if err != nil {
				return chunk, &ChunkError{Unit: it.unit, Err: err}
			}
			return chunk, nil
		}
		if s.done {
			return nil, s.final
		}
		if err := ctx.Err(); err != nil {
			s.finish(cancelErr(err))
			continue
		}
		s.read(ctx)
	}
}

// read performs one body read and queues what it produced.
func (s *ChunkStream) read(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.closeBody)
	var idle *time.Timer
	if s.opts.IdleTimeout > 0 {
		idle = time.AfterFunc(s.opts.IdleTimeout, func() {
			s.timedOut.Store(true)
			s.closeBody()
		})
	}
	n, err := s.body.Read(s.buf)
	if idle != nil {
		idle.Stop()
	}
	stop()

	if n > 0 {
		units, perr := s.reasm.Push(s.buf[:n])
		s.queue(units)
		if perr != nil {
			s.pending = append(s.pending, item{err: perr})
		}
	}
	if err == nil {
		return
	}

	switch {
	case s.timedOut.Load():
		s.finish(domain.NewSubSystemError("stream", "ChunkStream.Next", domain.ErrTimeout,
			fmt.Sprintf("no data for %s", s.opts.IdleTimeout)))
	case ctx.Err() != nil:
		s.finish(cancelErr(ctx.Err()))
	case errors.Is(err, io.EOF):
		units, ferr := s.reasm.Flush()
		s.queue(units)
		s.finish(ferr)
	default:
		s.finish(domain.NewDomainError("ChunkStream.Next", domain.ErrTransport, err.Error()))
	}
}

func (s *ChunkStream) queue(units []RawUnit) {
	for _, u := range units {
		s.opts.Metrics.UnitReassembled()
		s.pending = append(s.pending, item{unit: u})
	}
}

func (s *ChunkStream) finish(err error) {
	if err == nil {
		err = io.EOF
	}
	s.done = true
	s.final = err
	s.closeBody()
}

func cancelErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewSubSystemError("stream", "ChunkStream.Next", domain.ErrTimeout, "turn deadline exceeded")
	}
	return domain.NewDomainError("ChunkStream.Next", domain.ErrStreamCancelled, err.Error())
}

func (s *ChunkStream) closeBody() {
	s.closer.Do(func() { s.body.Close() })
}

// Close releases the body. Chunks already buffered are dropped.
func (s *ChunkStream) Close() error {
	s.pending = nil
	if !s.done {
		s.done = true
		s.final = domain.NewDomainError("ChunkStream.Close", domain.ErrStreamCancelled, "closed")
	}
	s.closeBody()
	return nil
}
