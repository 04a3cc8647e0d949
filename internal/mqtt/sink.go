package mqtt

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sweeney/roofctl/internal/sensor"
)

// DefaultSinkQueue is the number of readings a ReadingSink holds for its
// publisher goroutine.
const DefaultSinkQueue = 64

// sinkDrainTimeout bounds how long Close waits for queued readings.
const sinkDrainTimeout = 2 * time.Second

var (
	// ErrQueueFull is returned by WriteReading when the publisher has fallen
	// behind; the reading is dropped.
	ErrQueueFull = errors.New("mqtt: reading queue full")

	// ErrSinkClosed is returned by WriteReading after Close.
	ErrSinkClosed = errors.New("mqtt: reading sink closed")
)

// SinkOptions configures a ReadingSink.
type SinkOptions struct {
	// QueueSize defaults to DefaultSinkQueue.
	QueueSize int
	Logger    *slog.Logger
	// OnError, if set, receives publish failures from the background goroutine.
	OnError func(error)
}

type queuedReading struct {
	label   string
	table   string
	reading sensor.Reading
}

// ReadingSink adapts a Publisher to the time-series sink interface. Readings
// are published from a background goroutine, so WriteReading never waits on
// the broker. Close stops the goroutine; the publisher is closed by its owner.
type ReadingSink struct {
	pub     Publisher
	onError func(error)
	log     *slog.Logger
	warn    rate.Sometimes

	mu     sync.RWMutex
	closed bool
	queue  chan queuedReading
	done   chan struct{}
}

// NewReadingSink starts a sink publishing through pub.
func NewReadingSink(pub Publisher, opts SinkOptions) *ReadingSink {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultSinkQueue
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &ReadingSink{
		pub:     pub,
		onError: opts.OnError,
		log:     opts.Logger.With("component", "mqtt-sink"),
		warn:    rate.Sometimes{First: 1, Interval: time.Minute},
		queue:   make(chan queuedReading, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *ReadingSink) run() {
	defer close(s.done)
	for q := range s.queue {
		if err := s.pub.PublishReading(q.label, q.table, q.reading); err != nil {
			if s.onError != nil {
				s.onError(err)
			}
			s.warn.Do(func() {
				s.log.Warn("publish reading failed", "unit", q.label, "error", err)
			})
		}
	}
}

// WriteReading queues r for publishing. It returns ErrQueueFull without
// blocking when the queue is full.
func (s *ReadingSink) WriteReading(label, table string, r sensor.Reading) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- queuedReading{label: label, table: table, reading: r}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting readings and waits up to two seconds for the queued
// ones to be published. Readings still queued after that are abandoned to the
// goroutine. Close is idempotent.
func (s *ReadingSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(sinkDrainTimeout):
		s.log.Warn("reading queue not drained before close", "pending", len(s.queue))
	}
	return nil
}
