package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ppiankov/autoremedy/internal/model"
)

// call is one resolved action: a description of what it does and the
// capability invocation that does it.
type call struct {
	describe string
	invoke   func(ctx context.Context, caps Capabilities) (string, error)
}

type runInfo struct {
	rule   *model.Rule
	ev     *model.AlertEvent
	execID string
}

// plan resolves templates for an action and binds it to its capability.
func plan(a model.Action, info runInfo) (call, error) {
	ev := info.ev
	switch p := a.Params.(type) {
	case *model.ScriptParams:
		return scriptCall(Render(p.Script, ev), device(p.DeviceID, ev), renderMap(p.Args, ev))

	case *model.ServiceParams:
		return scriptCall(ScriptRestartService, device(p.DeviceID, ev),
			map[string]string{"service": Render(p.Service, ev)})

	case *model.CacheParams:
		return scriptCall(ScriptClearCache, device(p.DeviceID, ev),
			map[string]string{"target": Render(p.Target, ev)})

	case *model.UpdateParams:
		return scriptCall(ScriptInstallUpdate, device(p.DeviceID, ev), map[string]string{
			"updates": strings.Join(renderAll(p.Updates, ev), ","),
			"reboot":  strconv.FormatBool(p.Reboot),
		})

	case *model.TicketUpdateParams:
		return ticketCall(p.TicketRef(), ev, TicketPatch{
			Status:   Render(p.Status, ev),
			Priority: Render(p.Priority, ev),
			Board:    Render(p.Board, ev),
			Summary:  Render(p.Summary, ev),
			Fields:   renderMap(p.Fields, ev),
		}, "update")

	case *model.CloseTicketParams:
		return ticketCall(p.TicketRef(), ev, TicketPatch{
			Status:     p.ClosedStatus(),
			Resolution: Render(p.Resolution, ev),
			Close:      true,
		}, "close")

	case *model.NoteParams:
		return ticketCall(p.TicketRef(), ev, TicketPatch{
			Note:         Render(p.Text, ev),
			NoteInternal: p.Internal,
		}, "add note to")

	case *model.AssignParams:
		return ticketCall(p.TicketRef(), ev, TicketPatch{
			Assignee:     Render(p.Assignee, ev),
			AssigneeKind: p.AssigneeKind,
		}, "assign")

	case *model.NotificationParams:
		channel := Render(p.Channel, ev)
		n := Notification{
			Subject:    Render(p.Subject, ev),
			Message:    Render(p.Message, ev),
			Recipients: renderAll(p.Recipients, ev),
			Severity:   ev.Attr(model.AttrSeverity),
			RuleID:     info.rule.ID,
			RuleName:   info.rule.Name,
			EventID:    ev.ID,
		}
		return call{
			describe: fmt.Sprintf("send notification to channel %s", channel),
			invoke: func(ctx context.Context, caps Capabilities) (string, error) {
				if caps.Notifier == nil {
					return "", fmt.Errorf("notifier: %w", ErrCapabilityUnavailable)
				}
				if err := caps.Notifier.SendNotification(ctx, channel, n); err != nil {
					return "", err
				}
				return "notification sent to " + channel, nil
			},
		}, nil

	case *model.EscalateParams:
		target := model.EscalationTarget{Assignee: Render(p.Assignee, ev), Kind: p.AssigneeKind}
		ec := EscalationContext{
			RuleID:      info.rule.ID,
			RuleName:    info.rule.Name,
			EventID:     ev.ID,
			ExecutionID: info.execID,
			Reason:      Render(p.Reason, ev),
			AlertType:   ev.Attr(model.AttrAlertType),
			Severity:    ev.Attr(model.AttrSeverity),
			DeviceName:  ev.Attr(model.AttrDeviceName),
		}
		return call{
			describe: fmt.Sprintf("escalate to %s %s", target.Kind, target.Assignee),
			invoke: func(ctx context.Context, caps Capabilities) (string, error) {
				if caps.Escalator == nil {
					return "", fmt.Errorf("escalator: %w", ErrCapabilityUnavailable)
				}
				if err := caps.Escalator.Escalate(ctx, target, ec); err != nil {
					return "", err
				}
				return fmt.Sprintf("escalated to %s %s", target.Kind, target.Assignee), nil
			},
		}, nil

	case nil:
		return call{}, errors.New("action has no params")
	default:
		return call{}, fmt.Errorf("unsupported action params %T", p)
	}
}

func scriptCall(ref, deviceID string, params map[string]string) (call, error) {
	if ref == "" {
		return call{}, errors.New("script reference resolved to empty")
	}
	desc := "run script " + ref
	if deviceID != "" {
		desc += " on device " + deviceID
	}
	return call{
		describe: desc,
		invoke: func(ctx context.Context, caps Capabilities) (string, error) {
			if caps.Scripts == nil {
				return "", fmt.Errorf("script runner: %w", ErrCapabilityUnavailable)
			}
			res, err := caps.Scripts.RunScript(ctx, ref, deviceID, params)
			if err != nil {
				return res.Output, err
			}
			if !res.Success {
				return res.Output, fmt.Errorf("script %s failed with exit code %d", ref, res.ExitCode)
			}
			return res.Output, nil
		},
	}, nil
}

func ticketCall(refTemplate string, ev *model.AlertEvent, patch TicketPatch, verb string) (call, error) {
	ref := Render(refTemplate, ev)
	if ref == "" {
		return call{}, fmt.Errorf("ticket reference %q resolved to empty", refTemplate)
	}
	return call{
		describe: fmt.Sprintf("%s ticket %s", verb, ref),
		invoke: func(ctx context.Context, caps Capabilities) (string, error) {
			if caps.Tickets == nil {
				return "", fmt.Errorf("ticket system: %w", ErrCapabilityUnavailable)
			}
			if err := caps.Tickets.UpdateTicket(ctx, ref, patch); err != nil {
				return "", err
			}
			return fmt.Sprintf("ticket %s: %s done", ref, verb), nil
		},
	}, nil
}

// device picks the action's device or falls back to the alerting device.
func device(param string, ev *model.AlertEvent) string {
	if param != "" {
		return Render(param, ev)
	}
	return ev.Attr(model.AttrDeviceID)
}
