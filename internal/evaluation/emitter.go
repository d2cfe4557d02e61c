package evaluation

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var emitterEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sentinel",
	Subsystem: "emitter",
	Name:      "events_total",
	Help:      "Evaluation events delivered to sinks, by sink and result.",
}, []string{"sink", "result"})

func init() {
	prometheus.MustRegister(emitterEvents)
}

// Sink receives completed evaluations. Sinks run off the hot path; a slow
// or failing sink delays nothing and fails nothing.
type Sink interface {
	Name() string
	Publish(ctx context.Context, result *EvaluationResult) error
}

// Emitter fans completed evaluations out to its sinks asynchronously.
// Delivery is best effort: the evaluation response has already been
// returned by the time a sink runs.
type Emitter struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
}

// NewEmitter creates an emitter over the given sinks.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	return &Emitter{
		sinks:   sinks,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// Emit delivers result to every sink in its own goroutine and returns
// immediately.
func (e *Emitter) Emit(result *EvaluationResult) {
	for _, sink := range e.sinks {
		go func(s Sink) {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			defer cancel()

			if err := s.Publish(ctx, result); err != nil {
				emitterEvents.WithLabelValues(s.Name(), "error").Inc()
				e.logger.Warn("evaluation event delivery failed",
					"sink", s.Name(),
					"evaluation_id", result.ID,
					"error", err)
				return
			}
			emitterEvents.WithLabelValues(s.Name(), "success").Inc()
		}(sink)
	}
}

// storeSink persists evaluations through a Store.
type storeSink struct {
	store Store
}

// NewStoreSink wraps a Store as an emitter sink.
func NewStoreSink(store Store) Sink {
	return &storeSink{store: store}
}

func (s *storeSink) Name() string { return "store" }

func (s *storeSink) Publish(ctx context.Context, result *EvaluationResult) error {
	return s.store.Record(ctx, result)
}

// funcSink adapts a function as a sink, used for the realtime feed.
type funcSink struct {
	name string
	fn   func(ctx context.Context, result *EvaluationResult) error
}

// NewFuncSink wraps fn as a named sink.
func NewFuncSink(name string, fn func(ctx context.Context, result *EvaluationResult) error) Sink {
	return &funcSink{name: name, fn: fn}
}

func (s *funcSink) Name() string { return s.name }

func (s *funcSink) Publish(ctx context.Context, result *EvaluationResult) error {
	return s.fn(ctx, result)
}
