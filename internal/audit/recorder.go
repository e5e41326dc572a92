package audit

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/escalation"
	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/redact"
)

// Recorder turns engine outcomes into audit entries. Write failures are
// logged; auditing never blocks automation.
type Recorder struct {
	log    *Log
	logger *zap.Logger

	mu         sync.RWMutex
	configHash string
	scrub      *redact.Scrubber
}

// NewRecorder writes to log.
func NewRecorder(log *Log, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{log: log, logger: logger}
}

// SetConfigHash stamps later entries with the hash of the active rule set.
func (r *Recorder) SetConfigHash(hash string) {
	r.mu.Lock()
	r.configHash = hash
	r.mu.Unlock()
}

// SetScrubber masks credentials in entry details.
func (r *Recorder) SetScrubber(s *redact.Scrubber) {
	r.mu.Lock()
	r.scrub = s
	r.mu.Unlock()
}

func (r *Recorder) append(e Entry) {
	r.mu.RLock()
	e.ConfigHash = r.configHash
	e.Detail = r.scrub.Text(e.Detail)
	r.mu.RUnlock()
	if err := r.log.Append(e); err != nil {
		r.logger.Error("audit write failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func (r *Recorder) ObserveAttempt(model.ActionType, error) {}

func (r *Recorder) ObserveQueue(int) {}

func (r *Recorder) ObserveExecution(exec *model.MappingExecution) {
	r.append(Entry{
		Kind:        KindExecutionFinished,
		EventID:     exec.EventID,
		RuleID:      exec.RuleID,
		ExecutionID: exec.ID,
		Status:      string(exec.Status),
		Detail:      exec.Error,
		DryRun:      exec.DryRun,
	})
}

// ObserveEvent records events that reached a terminal status.
func (r *Recorder) ObserveEvent(ev *model.AlertEvent) {
	if !ev.Status.Terminal() {
		return
	}
	r.append(Entry{
		Kind:    KindEventFinished,
		EventID: ev.ID,
		Status:  string(ev.Status),
		Detail:  ev.LastError,
	})
}

func (r *Recorder) ObserveEscalation(change escalation.Change, esc *model.EscalationExecution) {
	e := Entry{
		RuleID:       esc.RuleID,
		EventID:      esc.EventID,
		ExecutionID:  esc.ExecutionID,
		EscalationID: esc.ID,
		Status:       string(esc.Status),
		Level:        esc.CurrentLevel,
		Assignee:     esc.Target.Assignee,
	}
	switch change {
	case escalation.Started:
		e.Kind = KindEscalationStarted
	case escalation.Advanced:
		e.Kind = KindEscalationAdvanced
	case escalation.Resolved:
		e.Kind = KindEscalationResolved
		e.Assignee = esc.ResolvedBy
		e.Detail = esc.Resolution
	default:
		return
	}
	r.append(e)
}
