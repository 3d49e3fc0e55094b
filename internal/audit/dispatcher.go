package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink persists audit records.
type Sink interface {
	Write(ctx context.Context, record Record) error
}

// Emitter accepts records without blocking the caller.
type Emitter interface {
	Emit(ctx context.Context, record Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, record Record) error

// Write calls f.
func (f SinkFunc) Write(ctx context.Context, record Record) error { return f(ctx, record) }

// MultiSink fans a record out to every sink, continuing past failures.
type MultiSink []Sink

// Write returns the first error after attempting all sinks.
func (m MultiSink) Write(ctx context.Context, record Record) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, record); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Nop discards every record.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(context.Context, Record) {}

// ZapSink writes records to a structured logger.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink builds a sink logging at info level.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

// Write logs the record.
func (s *ZapSink) Write(_ context.Context, r Record) error {
	fields := []zap.Field{
		zap.String("audit_id", r.ID),
		zap.String("action", string(r.Action)),
		zap.String("result", string(r.Result)),
		zap.String("actor", r.Actor),
		zap.String("resource", r.Resource),
		zap.Time("occurred_at", r.OccurredAt),
	}
	if len(r.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", r.Metadata))
	}
	s.logger.Info("audit", fields...)
	return nil
}

// Dispatcher delivers records to a sink on a background goroutine.
// Emit never blocks: records are dropped when the buffer is full.
type Dispatcher struct {
	sink    Sink
	logger  *zap.Logger
	timeout time.Duration

	ch        chan Record
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts a dispatcher with the given buffer size.
func NewDispatcher(sink Sink, bufferSize int, logger *zap.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NewZapSink(logger)
	}
	d := &Dispatcher{
		sink:    sink,
		logger:  logger,
		timeout: 5 * time.Second,
		ch:      make(chan Record, bufferSize),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case r := <-d.ch:
			d.write(r)
		case <-d.done:
			for {
				select {
				case r := <-d.ch:
					d.write(r)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(r Record) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sink.Write(ctx, r); err != nil {
		d.logger.Warn("audit sink write failed", zap.String("action", string(r.Action)), zap.Error(err))
	}
}

// Emit queues a record. Safe on a nil or closed dispatcher.
func (d *Dispatcher) Emit(_ context.Context, r Record) {
	if d == nil || d.closed.Load() {
		return
	}
	if r.ID == "" || r.OccurredAt.IsZero() {
		stamped := New(r.Action, r.Actor, r.Resource, r.Result)
		if r.ID == "" {
			r.ID = stamped.ID
		}
		if r.OccurredAt.IsZero() {
			r.OccurredAt = stamped.OccurredAt
		}
	}
	select {
	case d.ch <- r.detach():
	case <-d.done:
	default:
		d.dropped.Add(1)
	}
}

// Close drains queued records and stops the worker. Safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many records were discarded because the buffer was full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
