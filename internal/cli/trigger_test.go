package cli

import (
	"testing"

	"github.com/ppiankov/autoremedy/internal/model"
)

func TestTriggerEvent(t *testing.T) {
	triggerAttrs = []string{"severity=high", "percent=93"}
	triggerAlertType = "DISK_SPACE_LOW"
	triggerDevice = "srv-01"
	defer func() {
		triggerAttrs, triggerAlertType, triggerDevice = nil, "", ""
	}()

	ev, err := triggerEvent()
	if err != nil {
		t.Fatalf("triggerEvent: %v", err)
	}
	if ev.Attr(model.AttrAlertType) != "DISK_SPACE_LOW" {
		t.Errorf("alert type: got %q", ev.Attr(model.AttrAlertType))
	}
	if ev.Attr(model.AttrDeviceName) != "srv-01" {
		t.Errorf("device: got %q", ev.Attr(model.AttrDeviceName))
	}
	if ev.Attr("percent") != "93" {
		t.Errorf("percent: got %q", ev.Attr("percent"))
	}
}

func TestTriggerEventRejectsBadAttr(t *testing.T) {
	triggerAttrs = []string{"novalue"}
	defer func() { triggerAttrs = nil }()

	if _, err := triggerEvent(); err == nil {
		t.Error("expected error for attr without '='")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("a-very-long-rule-identifier", 10); got != "a-very-..." {
		t.Errorf("got %q", got)
	}
}
