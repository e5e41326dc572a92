// Package pipeline runs a matched rule's actions in order with retry,
// timeout and continue-on-error semantics, recording every outcome in the
// ledger as it happens.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/store"
)

// ErrExecutionTimeout marks an action abandoned because the rule's
// execution budget ran out.
var ErrExecutionTimeout = errors.New("execution timeout")

// Executor runs one rule against one event. The returned error is non-nil
// only when the ledger could not be written; action failures are recorded
// in the execution.
type Executor interface {
	Execute(ctx context.Context, rule model.Rule, ev *model.AlertEvent) (*model.MappingExecution, error)
}

// Observer receives per-attempt and per-execution outcomes.
type Observer interface {
	ObserveAttempt(action model.ActionType, err error)
	ObserveExecution(exec *model.MappingExecution)
}

// Options are shared by Pipeline and DryRunExecutor.
type Options struct {
	Logger   *zap.Logger
	Observer Observer
	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// attemptFunc performs one attempt of a planned call.
type attemptFunc func(ctx context.Context, c call) (string, error)

// orchestrator is the ordering, retry and recording logic both executors share.
type orchestrator struct {
	ledger   store.Ledger
	logger   *zap.Logger
	observer Observer
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	dryRun   bool
	attempt  attemptFunc
}

func newOrchestrator(ledger store.Ledger, opts Options, dryRun bool, attempt attemptFunc) orchestrator {
	o := orchestrator{
		ledger:   ledger,
		logger:   opts.Logger,
		observer: opts.Observer,
		now:      opts.Now,
		sleep:    opts.Sleep,
		dryRun:   dryRun,
		attempt:  attempt,
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	return o
}

// Pipeline is the live Executor: actions reach the real capabilities.
type Pipeline struct {
	orchestrator
}

// New returns a live pipeline writing to ledger.
func New(ledger store.Ledger, caps Capabilities, opts Options) *Pipeline {
	return &Pipeline{newOrchestrator(ledger, opts, false, func(ctx context.Context, c call) (string, error) {
		return c.invoke(ctx, caps)
	})}
}

// Execute implements Executor.
func (p *Pipeline) Execute(ctx context.Context, rule model.Rule, ev *model.AlertEvent) (*model.MappingExecution, error) {
	return p.run(ctx, rule, ev)
}

func (o *orchestrator) run(ctx context.Context, rule model.Rule, ev *model.AlertEvent) (*model.MappingExecution, error) {
	// Ledger writes must land even when ctx is cancelled mid-run.
	wctx := context.WithoutCancel(ctx)

	exec := &model.MappingExecution{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		EventID:   ev.ID,
		Status:    model.ExecRunning,
		DryRun:    o.dryRun,
		StartedAt: o.now(),
	}
	if err := o.ledger.CreateExecution(wctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	log := o.logger.With(
		zap.String("rule_id", rule.ID),
		zap.String("event_id", ev.ID),
		zap.String("execution_id", exec.ID),
		zap.Bool("dry_run", o.dryRun))

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if budget := rule.ExecutionTimeout(); budget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, budget)
	}
	defer cancel()

	actions := append([]model.Action(nil), rule.Actions...)
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Order < actions[j].Order })

	info := runInfo{rule: &rule, ev: ev, execID: exec.ID}
	var succeeded, failed int
	aborted := false

	for i, a := range actions {
		res := o.runAction(runCtx, rule, a, info, log)
		exec.Results = append(exec.Results, res)
		if err := o.ledger.AppendResult(wctx, exec.ID, res); err != nil {
			return exec, fmt.Errorf("append action result: %w", err)
		}

		if res.Success {
			succeeded++
		} else {
			failed++
			if exec.Error == "" {
				exec.Error = fmt.Sprintf("action %d (%s): %s", a.Order, a.Type, res.Error)
			}
		}

		last := i == len(actions)-1
		stop := false
		switch {
		case res.TimedOut || (runCtx.Err() != nil && (!res.Success || !last)):
			// Budget spent or run cancelled: nothing further is scheduled.
			exec.TimedOut = res.TimedOut || errors.Is(runCtx.Err(), context.DeadlineExceeded)
			if !exec.TimedOut && exec.Error == "" {
				exec.Error = fmt.Sprintf("execution cancelled: %v", runCtx.Err())
			}
			stop = true
		case !res.Success && !a.ContinueOnError:
			stop = true
		}
		if stop {
			aborted = true
			exec.Skipped = append(exec.Skipped, actions[i+1:]...)
			break
		}
	}

	switch {
	case aborted, exec.TimedOut:
		exec.Status = model.ExecFailure
	case failed == 0:
		exec.Status = model.ExecSuccess
	case succeeded == 0:
		exec.Status = model.ExecFailure
	default:
		exec.Status = model.ExecPartial
	}
	if exec.TimedOut && exec.Error == "" {
		exec.Error = ErrExecutionTimeout.Error()
	}
	finished := o.now()
	exec.FinishedAt = &finished

	stats, err := o.ledger.FinishExecution(wctx, exec)
	if err != nil {
		return exec, fmt.Errorf("finish execution: %w", err)
	}
	if o.observer != nil {
		o.observer.ObserveExecution(exec)
	}
	log.Info("execution finished",
		zap.String("status", string(exec.Status)),
		zap.Int("results", len(exec.Results)),
		zap.Int("skipped", len(exec.Skipped)),
		zap.Bool("timed_out", exec.TimedOut),
		zap.Int("consecutive_failures", stats.ConsecutiveFailures),
		zap.Duration("duration", exec.Duration()))
	return exec, nil
}

// runAction attempts one action, retrying with a fixed delay.
func (o *orchestrator) runAction(ctx context.Context, rule model.Rule, a model.Action, info runInfo, log *zap.Logger) model.ActionResult {
	res := model.ActionResult{Action: a, StartedAt: o.now()}

	finish := func(output string, err error) model.ActionResult {
		res.Output = output
		res.FinishedAt = o.now()
		if err == nil {
			res.Success = true
			return res
		}
		if errors.Is(err, ErrExecutionTimeout) {
			res.TimedOut = true
		}
		res.Error = err.Error()
		return res
	}

	c, err := plan(a, info)
	if err != nil {
		res.Attempts = 1
		if o.observer != nil {
			o.observer.ObserveAttempt(a.Type, err)
		}
		return finish("", fmt.Errorf("resolve params: %w", err))
	}

	maxAttempts := 1 + rule.Retry.MaxRetries
	delay := rule.Retry.RetryDelay()
	var output string
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return finish(output, budgetErr(ctx, err))
		}
		res.Attempts = attempt
		output, err = o.safeAttempt(ctx, c)
		if o.observer != nil {
			o.observer.ObserveAttempt(a.Type, err)
		}
		if err == nil {
			return finish(output, nil)
		}
		log.Warn("action attempt failed",
			zap.String("action", string(a.Type)),
			zap.Int("order", a.Order),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if ctx.Err() != nil {
			return finish(output, fmt.Errorf("%w: %v", budgetErr(ctx, ctx.Err()), err))
		}
		if attempt >= maxAttempts {
			return finish(output, err)
		}
		if deadline, ok := ctx.Deadline(); ok && !o.now().Add(delay).Before(deadline) {
			return finish(output, fmt.Errorf("%w: retry would exceed budget: %v", ErrExecutionTimeout, err))
		}
		if serr := o.sleep(ctx, delay); serr != nil {
			return finish(output, fmt.Errorf("%w: %v", budgetErr(ctx, serr), err))
		}
	}
}

// safeAttempt turns a capability panic into an error.
func (o *orchestrator) safeAttempt(ctx context.Context, c call) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability panic: %v", r)
		}
	}()
	return o.attempt(ctx, c)
}

// budgetErr maps a context error to ErrExecutionTimeout when the budget ran out.
func budgetErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrExecutionTimeout
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
