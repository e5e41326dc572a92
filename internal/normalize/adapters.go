package normalize

import (
	"errors"
	"strings"
)

// connectWiseAutomate handles Automate monitor alerts.
func connectWiseAutomate(p map[string]any) (Canonical, error) {
	c := Canonical{
		ProviderID: str(p, "AlertID", "AlertId", "ID"),
		EventType:  "monitor_alert",
		AlertType:  firstNonEmpty(str(p, "AlertType"), str(p, "MonitorName", "Monitor")),
		Severity:   str(p, "Severity", "Priority"),
		DeviceID:   str(p, "ComputerID", "ComputerId"),
		DeviceName: str(p, "ComputerName"),
		Message:    firstNonEmpty(str(p, "Message"), str(p, "Subject")),
		TicketID:   str(p, "TicketID", "TicketId"),
		Extra:      map[string]any{},
	}
	for _, k := range []string{"ClientName", "LocationName", "MonitorName", "FieldName", "Status"} {
		if v := str(p, k); v != "" {
			c.Extra[k] = v
		}
	}
	if c.AlertType == "" && c.Message == "" {
		return c, errors.New("neither AlertType, Monitor nor Message present")
	}
	return c, nil
}

// connectWiseManage handles Manage ticket callbacks: {ID, Action, Entity{...}}.
func connectWiseManage(p map[string]any) (Canonical, error) {
	id := str(p, "ID", "Id")
	action := strings.ToLower(str(p, "Action"))
	if id == "" {
		return Canonical{}, errors.New("callback ID missing")
	}
	entity := obj(p, "Entity")
	c := Canonical{
		EventType: "ticket_" + firstNonEmpty(action, "updated"),
		AlertType: "TICKET_" + strings.ToUpper(firstNonEmpty(action, "updated")),
		Severity:  str(obj(entity, "priority"), "name"),
		Message:   str(entity, "summary"),
		TicketID:  id,
		Extra:     map[string]any{},
	}
	// The same ticket calls back many times; the update stamp keeps deliveries distinct.
	c.ProviderID = id + "-" + firstNonEmpty(action, "updated")
	if stamp := str(obj(entity, "_info"), "lastUpdated"); stamp != "" {
		c.ProviderID += "-" + stamp
	}
	if cfgs, ok := get(entity, "configurations"); ok {
		if list, ok := cfgs.([]any); ok && len(list) > 0 {
			if first, ok := list[0].(map[string]any); ok {
				c.DeviceID = str(first, "id")
				c.DeviceName = str(first, "name", "deviceIdentifier")
			}
		}
	}
	for key, path := range map[string][2]string{
		"board":   {"board", "name"},
		"status":  {"status", "name"},
		"company": {"company", "identifier"},
	} {
		if v := str(obj(entity, path[0]), path[1]); v != "" {
			c.Extra[key] = v
		}
	}
	return c, nil
}

// ninja handles NinjaOne activity webhooks.
func ninja(p map[string]any) (Canonical, error) {
	device := obj(p, "device")
	c := Canonical{
		ProviderID: str(p, "id", "activityId"),
		EventType:  strings.ToLower(firstNonEmpty(str(p, "activityType"), "condition")),
		AlertType:  firstNonEmpty(str(p, "statusCode"), str(p, "activityType")),
		Severity:   str(p, "severity", "priority"),
		DeviceID:   str(p, "deviceId"),
		DeviceName: firstNonEmpty(str(device, "systemName"), str(device, "displayName")),
		Message:    firstNonEmpty(str(p, "message"), str(p, "subject")),
		Extra:      map[string]any{},
	}
	if c.DeviceID == "" {
		c.DeviceID = str(device, "id")
	}
	for _, k := range []string{"sourceName", "sourceType", "status"} {
		if v := str(p, k); v != "" {
			c.Extra[k] = v
		}
	}
	if org := str(obj(device, "references"), "organizationName"); org != "" {
		c.Extra["organization"] = org
	}
	return c, nil
}

// canonicalKeys are consumed by the generic adapter; everything else is metadata.
var canonicalKeys = map[string]bool{
	"id": true, "eventid": true, "event_id": true, "eventtype": true, "event_type": true,
	"alerttype": true, "alert_type": true, "type": true, "severity": true,
	"deviceid": true, "device_id": true, "devicename": true, "device_name": true,
	"message": true, "ticketid": true, "ticket_id": true, "metadata": true,
}

// generic accepts payloads already close to canonical form. Unknown
// top-level keys stay top-level attributes.
func generic(p map[string]any) (Canonical, error) {
	c := Canonical{
		ProviderID: str(p, "id", "eventId", "event_id"),
		EventType:  str(p, "eventType", "event_type"),
		AlertType:  str(p, "alertType", "alert_type", "type"),
		Severity:   str(p, "severity"),
		DeviceID:   str(p, "deviceId", "device_id"),
		DeviceName: str(p, "deviceName", "device_name"),
		Message:    str(p, "message"),
		TicketID:   str(p, "ticketId", "ticket_id"),
		Extra:      map[string]any{},
		Attributes: map[string]any{},
	}
	if meta := obj(p, "metadata"); meta != nil {
		for k, v := range meta {
			c.Extra[k] = v
		}
	}
	for k, v := range p {
		if !canonicalKeys[strings.ToLower(k)] {
			c.Attributes[k] = v
		}
	}
	return c, nil
}
