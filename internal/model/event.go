// Package model defines the records shared by every stage of the automation
// engine: alert events, automation rules, executions and escalations.
package model

import (
	"errors"
	"fmt"
	"time"
)

// EventStatus is the processing state of an AlertEvent.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventProcessed  EventStatus = "processed"
	EventFailed     EventStatus = "failed"
	EventIgnored    EventStatus = "ignored"
)

// Canonical attribute keys populated by the normalizer.
const (
	AttrAlertType  = "alertType"
	AttrSeverity   = "severity"
	AttrDeviceID   = "deviceId"
	AttrDeviceName = "deviceName"
	AttrMessage    = "message"
	AttrTicketID   = "ticketId"
	AttrMetadata   = "metadata"
)

// ErrInvalidTransition is returned when an event status would move backwards.
var ErrInvalidTransition = errors.New("invalid event status transition")

// eventTransitions lists the forward moves allowed from each status.
// Terminal statuses have no entry.
var eventTransitions = map[EventStatus][]EventStatus{
	EventPending:    {EventProcessing, EventFailed, EventIgnored},
	EventProcessing: {EventProcessed, EventFailed, EventIgnored},
}

// AlertEvent is the canonical record of one inbound monitoring alert.
type AlertEvent struct {
	ID          string         `json:"id"`
	ExternalID  string         `json:"external_id,omitempty"`
	Source      string         `json:"source"`
	EventType   string         `json:"event_type"`
	Attributes  map[string]any `json:"attributes"`
	ReceivedAt  time.Time      `json:"received_at"`
	Status      EventStatus    `json:"status"`
	RetryCount  int            `json:"retry_count"`
	LastError   string         `json:"last_error,omitempty"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// Terminal reports whether the event has reached processed, failed or ignored.
func (s EventStatus) Terminal() bool {
	return s == EventProcessed || s == EventFailed || s == EventIgnored
}

// Transition moves the event forward. Moving to the current status is a no-op,
// which lets an interrupted processing attempt be resumed.
func (e *AlertEvent) Transition(to EventStatus) error {
	if e.Status == to && !to.Terminal() {
		return nil
	}
	for _, allowed := range eventTransitions[e.Status] {
		if allowed == to {
			e.Status = to
			if to.Terminal() {
				now := time.Now().UTC()
				e.ProcessedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
}

// Attr returns a top-level attribute as a string, or "" when absent.
func (e *AlertEvent) Attr(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	v, ok := e.Attributes[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Clone returns a deep-enough copy for handing to another goroutine.
// Attribute values are shared; callers must treat them as read-only.
func (e *AlertEvent) Clone() *AlertEvent {
	c := *e
	c.Attributes = make(map[string]any, len(e.Attributes))
	for k, v := range e.Attributes {
		c.Attributes[k] = v
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}
