// Package engine ties the automation stages together: it persists
// normalized events, matches them against the rule set, runs the matched
// rules through the action pipeline and feeds the outcome to the
// escalation controller. A bounded worker pool processes events
// concurrently while runs of the same rule are serialized.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/escalation"
	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/normalize"
	"github.com/ppiankov/autoremedy/internal/pipeline"
	"github.com/ppiankov/autoremedy/internal/redact"
	"github.com/ppiankov/autoremedy/internal/store"
)

const (
	// DefaultConcurrency is how many events are processed at once.
	DefaultConcurrency = 5
	// DefaultQueueSize bounds the number of events waiting for a worker.
	DefaultQueueSize = 200
	// DefaultMaxEventRetries is how often an event is retried after a store failure.
	DefaultMaxEventRetries = 3
	// DefaultRetryBackoff is the wait before a failed event is re-queued.
	DefaultRetryBackoff = 2 * time.Second
)

// ErrStopped is returned by Submit once the worker pool has shut down.
var ErrStopped = errors.New("engine stopped")

// Options configure an Engine. Zero values take the defaults above.
type Options struct {
	Logger          *zap.Logger
	Capabilities    pipeline.Capabilities
	Normalizer      *normalize.Normalizer
	Observers       []Observer
	Concurrency     int
	QueueSize       int
	MaxEventRetries int
	RetryBackoff    time.Duration
	// SweepSpec is the cron schedule of the escalation sweep.
	SweepSpec string
	// Scrubber masks credentials in event attributes before they are stored.
	Scrubber *redact.Scrubber

	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine is the alert-to-action automation engine.
type Engine struct {
	store       store.Store
	normalizer  *normalize.Normalizer
	caps        pipeline.Capabilities
	live        pipeline.Executor
	escalations *escalation.Controller
	observer    observers
	logger      *zap.Logger
	opts        Options

	events *keyMutex
	rules  *keyMutex

	// mu guards sends on queue against its close.
	mu      sync.RWMutex
	queue   chan string
	started atomic.Bool
	running atomic.Bool
	stop    chan struct{}
	retries sync.WaitGroup
}

// New builds an engine on top of s. The worker pool starts with Run.
func New(s store.Store, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Normalizer == nil {
		opts.Normalizer = normalize.New()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxEventRetries < 0 {
		opts.MaxEventRetries = 0
	} else if opts.MaxEventRetries == 0 {
		opts.MaxEventRetries = DefaultMaxEventRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	e := &Engine{
		store:      s,
		normalizer: opts.Normalizer,
		caps:       opts.Capabilities,
		observer:   observers(opts.Observers),
		logger:     opts.Logger,
		opts:       opts,
		events:     newKeyMutex(),
		rules:      newKeyMutex(),
		queue:      make(chan string, opts.QueueSize),
		stop:       make(chan struct{}),
	}
	e.live = pipeline.New(s, opts.Capabilities, e.pipelineOptions())

	e.escalations = escalation.New(s, opts.Capabilities.Escalator, opts.Logger.Named("escalation"))
	e.escalations.OnChange(func(c escalation.Change, esc *model.EscalationExecution) {
		e.observer.ObserveEscalation(c, esc)
	})
	return e
}

func (e *Engine) pipelineOptions() pipeline.Options {
	return pipeline.Options{
		Logger:   e.logger.Named("pipeline"),
		Observer: e.observer,
		Now:      e.opts.Now,
		Sleep:    e.opts.Sleep,
	}
}

// EscalationController exposes the escalation controller.
func (e *Engine) EscalationController() *escalation.Controller { return e.escalations }

// Running reports whether the worker pool accepts events.
func (e *Engine) Running() bool { return e.running.Load() }

// Run starts the worker pool and the escalation sweep, re-queues events
// left pending or processing by a previous run, and blocks until ctx is
// cancelled. Events already being processed finish; queued ones stay
// pending for the next start. Run may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}

	sched, err := escalation.NewScheduler(e.escalations, e.opts.SweepSpec, e.logger.Named("escalation"))
	if err != nil {
		return err
	}
	// Listed before Ingest starts queueing, so no event is queued twice.
	unfinished, err := e.store.ListEvents(ctx, store.EventFilter{
		Statuses: []model.EventStatus{model.EventPending, model.EventProcessing},
	})
	if err != nil {
		return fmt.Errorf("list unfinished events: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < e.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range e.queue {
				if ctx.Err() != nil {
					continue
				}
				e.handle(context.WithoutCancel(ctx), id)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sched.Run(ctx)
	}()
	e.running.Store(true)

	e.logger.Info("engine started",
		zap.Int("concurrency", e.opts.Concurrency),
		zap.Int("queue_size", e.opts.QueueSize),
		zap.Int("recovered_events", len(unfinished)))
	for _, ev := range unfinished {
		if err := e.Submit(ctx, ev.ID); err != nil {
			break
		}
	}

	<-ctx.Done()
	e.running.Store(false)
	close(e.stop)
	e.mu.Lock()
	close(e.queue)
	e.mu.Unlock()
	wg.Wait()
	e.retries.Wait()
	e.logger.Info("engine stopped")
	return nil
}

// Submit queues an event for processing, waiting for room while ctx allows.
func (e *Engine) Submit(ctx context.Context, eventID string) error {
	if !e.running.Load() {
		return ErrStopped
	}
	return e.enqueue(ctx, eventID)
}

func (e *Engine) enqueue(ctx context.Context, eventID string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	select {
	case <-e.stop:
		return ErrStopped
	default:
	}
	select {
	case e.queue <- eventID:
		e.observer.ObserveQueue(len(e.queue))
		return nil
	case <-e.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle processes one queued event. Panics are contained to the event.
func (e *Engine) handle(ctx context.Context, id string) {
	e.observer.ObserveQueue(len(e.queue))
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event processing panicked", zap.String("event_id", id), zap.Any("panic", r))
		}
	}()
	if _, err := e.Process(ctx, id); err != nil {
		e.retry(id, err)
	}
}

// retry counts a store failure against the event and re-queues it after a
// backoff, or marks it failed once MaxEventRetries is exhausted. The event
// keeps its processing status in between so the next attempt resumes it.
func (e *Engine) retry(id string, cause error) {
	ctx := context.Background()
	log := e.logger.With(zap.String("event_id", id))

	ev, err := e.store.GetEvent(ctx, id)
	if err != nil {
		log.Error("event retry bookkeeping failed", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	ev.RetryCount++
	ev.LastError = cause.Error()
	if ev.RetryCount > e.opts.MaxEventRetries {
		if err := ev.Transition(model.EventFailed); err != nil {
			log.Error("event could not be marked failed", zap.Error(err))
			return
		}
		if err := e.store.UpdateEvent(ctx, ev); err != nil {
			log.Error("event could not be marked failed", zap.Error(err))
		}
		e.observer.ObserveEvent(ev)
		log.Error("event failed after retries", zap.Int("retries", ev.RetryCount-1), zap.Error(cause))
		return
	}
	if err := e.store.UpdateEvent(ctx, ev); err != nil {
		log.Warn("event retry count not saved", zap.Error(err))
	}
	log.Warn("event processing failed, retrying",
		zap.Int("retry", ev.RetryCount),
		zap.Duration("backoff", e.opts.RetryBackoff),
		zap.Error(cause))

	e.retries.Add(1)
	go func() {
		defer e.retries.Done()
		t := time.NewTimer(e.opts.RetryBackoff)
		defer t.Stop()
		select {
		case <-e.stop:
			// Left pending or processing; recovered on the next start.
			return
		case <-t.C:
		}
		if err := e.enqueue(context.Background(), id); err != nil {
			log.Debug("event retry not queued", zap.Error(err))
		}
	}()
}
