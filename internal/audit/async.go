package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"ephemeral-auth/internal/models"
)

var (
	ErrBufferFull = errors.New("audit buffer full")
	ErrSinkClosed = errors.New("audit sink closed")
)

const defaultBacklog = 1024

// AsyncSink queues events for one background writer so a slow sink never
// holds up the caller. Events that do not fit in the buffer are dropped and
// counted.
type AsyncSink struct {
	sink    Sink
	logger  *zap.Logger
	ch      chan models.AuditEvent
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
	closed  atomic.Bool

	closeOnce sync.Once
}

func NewAsyncSink(sink Sink, buffer int, logger *zap.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = defaultBacklog
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AsyncSink{
		sink:   sink,
		logger: logger,
		ch:     make(chan models.AuditEvent, buffer),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *AsyncSink) Name() string { return "async:" + s.sink.Name() }

// Write enqueues event without blocking.
func (s *AsyncSink) Write(_ context.Context, event models.AuditEvent) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}
	select {
	case s.ch <- event:
		return nil
	case <-s.done:
		return ErrSinkClosed
	default:
		s.dropped.Add(1)
		return ErrBufferFull
	}
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for {
		select {
		case event := <-s.ch:
			s.deliver(event)
		case <-s.done:
			for {
				select {
				case event := <-s.ch:
					s.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncSink) deliver(event models.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.sink.Write(ctx, event); err != nil {
		s.logger.Warn("audit write failed",
			zap.String("sink", s.sink.Name()),
			zap.String("event", event.Name),
			zap.Error(err))
	}
}

// Close stops accepting events and waits until the backlog is written or ctx
// ends.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})

	flushed := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped is the number of events refused because the buffer was full.
func (s *AsyncSink) Dropped() uint64 {
	return s.dropped.Load()
}
