package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSpec runs the sweep twice a minute.
const DefaultSweepSpec = "@every 30s"

// Scheduler runs Controller.Sweep on a cron schedule, apart from the
// event worker pool.
type Scheduler struct {
	cron   *cron.Cron
	ctrl   *Controller
	logger *zap.Logger
	ctx    context.Context
}

// NewScheduler parses spec (standard five-field cron or a descriptor
// such as "@every 1m") and registers the sweep.
func NewScheduler(ctrl *Controller, spec string, logger *zap.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		ctrl:   ctrl,
		logger: logger,
		ctx:    context.Background(),
	}
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid escalation sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is cancelled, then waits
// for a running sweep to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) sweep() {
	n, err := s.ctrl.Sweep(context.WithoutCancel(s.ctx), time.Now().UTC())
	if err != nil {
		s.logger.Error("escalation sweep failed", zap.Error(err))
	}
	if n > 0 {
		s.logger.Info("escalation sweep advanced escalations", zap.Int("advanced", n))
	}
}
