// Package normalize converts provider webhook payloads into canonical
// alert events. Normalization never returns an error: a payload that
// cannot be parsed yields an event in status failed.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/autoremedy/internal/model"
)

// Source tags with a dedicated adapter.
const (
	SourceConnectWise    = "connectwise"
	SourceConnectWisePSA = "connectwise_psa"
	SourceNinja          = "ninja"
	SourceGeneric        = "generic"
)

// Headers that may carry a provider delivery id.
var idHeaders = []string{"X-Event-Id", "X-Request-Id"}

// maxRawError bounds how much of an unparseable payload is kept.
const maxRawError = 4096

// Canonical is what an adapter extracts from one payload.
type Canonical struct {
	// ProviderID is the provider's event or ticket id; empty when absent.
	ProviderID string
	EventType  string
	AlertType  string
	Severity   string
	DeviceID   string
	DeviceName string
	Message    string
	TicketID   string
	// Extra lands under metadata next to the raw payload.
	Extra map[string]any
	// Attributes are additional top-level attributes; canonical keys win.
	Attributes map[string]any
}

// Adapter maps a decoded provider payload to canonical fields.
type Adapter func(payload map[string]any) (Canonical, error)

// Normalizer dispatches payloads to adapters by source tag.
type Normalizer struct {
	adapters map[string]Adapter
	now      func() time.Time
}

// New returns a Normalizer with the built-in adapters registered.
func New() *Normalizer {
	n := &Normalizer{
		adapters: make(map[string]Adapter),
		now:      func() time.Time { return time.Now().UTC() },
	}
	n.Register(SourceConnectWise, connectWiseAutomate)
	n.Register(SourceConnectWisePSA, connectWiseManage)
	n.Register(SourceNinja, ninja)
	n.Register(SourceGeneric, generic)
	return n
}

// Register adds or replaces the adapter for a source tag.
func (n *Normalizer) Register(source string, a Adapter) {
	n.adapters[strings.ToLower(source)] = a
}

// Sources lists the registered source tags.
func (n *Normalizer) Sources() []string {
	out := make([]string, 0, len(n.adapters))
	for s := range n.adapters {
		out = append(out, s)
	}
	return out
}

// Normalize builds a pending event from raw, or a failed one when raw is unusable.
// Unknown sources fall back to the generic adapter.
func (n *Normalizer) Normalize(source string, raw []byte, headers http.Header) *model.AlertEvent {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		source = SourceGeneric
	}
	ev := &model.AlertEvent{
		Source:     source,
		ReceivedAt: n.now(),
		Status:     model.EventPending,
		Attributes: map[string]any{},
	}

	payload, err := decode(raw)
	if err != nil {
		return n.fail(ev, raw, headers, fmt.Errorf("parse payload: %w", err))
	}

	adapter, ok := n.adapters[source]
	if !ok {
		adapter = n.adapters[SourceGeneric]
	}
	c, err := adapter(payload)
	if err != nil {
		return n.fail(ev, raw, headers, fmt.Errorf("normalize %s payload: %w", source, err))
	}

	ev.ExternalID = c.ProviderID
	if ev.ExternalID == "" {
		ev.ExternalID = headerID(headers)
	}
	ev.ID = eventID(source, ev.ExternalID)
	ev.EventType = c.EventType
	if ev.EventType == "" {
		ev.EventType = "alert"
	}

	for k, v := range c.Attributes {
		ev.Attributes[k] = v
	}
	set := func(key, val string) {
		if val != "" {
			ev.Attributes[key] = val
		}
	}
	set(model.AttrAlertType, c.AlertType)
	set(model.AttrSeverity, strings.ToUpper(c.Severity))
	set(model.AttrDeviceID, c.DeviceID)
	set(model.AttrDeviceName, c.DeviceName)
	set(model.AttrMessage, c.Message)
	set(model.AttrTicketID, c.TicketID)

	meta := make(map[string]any, len(c.Extra)+1)
	for k, v := range c.Extra {
		meta[k] = v
	}
	meta["raw"] = payload
	ev.Attributes[model.AttrMetadata] = meta
	return ev
}

func (n *Normalizer) fail(ev *model.AlertEvent, raw []byte, headers http.Header, err error) *model.AlertEvent {
	ev.ExternalID = headerID(headers)
	ev.ID = eventID(ev.Source, ev.ExternalID)
	ev.EventType = "invalid"
	ev.Status = model.EventFailed
	ev.LastError = err.Error()
	t := ev.ReceivedAt
	ev.ProcessedAt = &t
	body := raw
	if len(body) > maxRawError {
		body = body[:maxRawError]
	}
	ev.Attributes[model.AttrMetadata] = map[string]any{"raw": string(body)}
	return ev
}

func decode(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("payload is not a JSON object")
	}
	return payload, nil
}

func headerID(h http.Header) string {
	for _, name := range idHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// eventID derives a stable id from the provider id, so re-deliveries collide.
func eventID(source, providerID string) string {
	if providerID == "" {
		return uuid.NewString()
	}
	return source + ":" + providerID
}
