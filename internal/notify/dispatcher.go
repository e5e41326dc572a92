// Package notify delivers notifications and escalations to outbound
// webhooks (generic JSON, Slack, PagerDuty, Microsoft Teams).
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/pipeline"
)

// ErrNoRoute is returned when no webhook serves a channel or assignee.
var ErrNoRoute = errors.New("no webhook configured")

// Dispatcher routes messages to the webhooks that serve them. Delivery is
// synchronous so the calling action sees the outcome.
type Dispatcher struct {
	hooks  []Webhook
	logger *zap.Logger
	now    func() time.Time
}

// NewDispatcher returns a dispatcher over hooks.
func NewDispatcher(hooks []Webhook, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{hooks: hooks, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// SendNotification implements pipeline.Notifier.
func (d *Dispatcher) SendNotification(ctx context.Context, channel string, n pipeline.Notification) error {
	return d.dispatch(ctx, []string{channel}, Message{
		Kind:       KindNotification,
		Channel:    channel,
		Subject:    n.Subject,
		Text:       n.Message,
		Severity:   n.Severity,
		Recipients: n.Recipients,
		RuleID:     n.RuleID,
		RuleName:   n.RuleName,
		EventID:    n.EventID,
	})
}

// Escalate implements pipeline.Escalator.
func (d *Dispatcher) Escalate(ctx context.Context, target model.EscalationTarget, ec pipeline.EscalationContext) error {
	text := ec.Reason
	if text == "" {
		text = fmt.Sprintf("alert escalated to %s", target.Assignee)
	}
	if ec.DeviceName != "" {
		text += " (device " + ec.DeviceName + ")"
	}
	return d.dispatch(ctx, []string{"escalation", "escalation:" + target.Assignee}, Message{
		Kind:         KindEscalation,
		Channel:      "escalation",
		Subject:      ec.AlertType,
		Text:         text,
		Severity:     ec.Severity,
		RuleID:       ec.RuleID,
		RuleName:     ec.RuleName,
		EventID:      ec.EventID,
		ExecutionID:  ec.ExecutionID,
		EscalationID: ec.EscalationID,
		Level:        ec.Level,
		Assignee:     target.Assignee,
		AssigneeKind: string(target.Kind),
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, routes []string, m Message) error {
	m.Timestamp = d.now().Format(time.RFC3339)
	var errs []error
	sent := 0
	for _, h := range d.hooks {
		if !serves(h, routes) {
			continue
		}
		sent++
		if err := Send(ctx, h, m); err != nil {
			d.logger.Warn("webhook delivery failed",
				zap.String("webhook", h.Name),
				zap.String("kind", string(m.Kind)),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if sent == 0 {
		return fmt.Errorf("%w for %q", ErrNoRoute, routes[len(routes)-1])
	}
	// One delivered copy is enough.
	if len(errs) == sent {
		return errors.Join(errs...)
	}
	return nil
}

func serves(h Webhook, routes []string) bool {
	for _, c := range h.Channels {
		if c == "*" {
			return true
		}
		for _, r := range routes {
			if c == r {
				return true
			}
		}
	}
	return false
}

var (
	_ pipeline.Notifier  = (*Dispatcher)(nil)
	_ pipeline.Escalator = (*Dispatcher)(nil)
)
