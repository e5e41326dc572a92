// Package rules loads, validates and selects automation rules.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/autoremedy/internal/model"
)

// File is the on-disk rule set.
type File struct {
	Rules  []model.Rule            `yaml:"rules"`
	Chains []model.EscalationChain `yaml:"chains"`
}

// LoadFile reads and validates a rules file.
func LoadFile(path string) (*File, error) {
	f, _, err := LoadFileWithHash(path)
	return f, err
}

// LoadFileWithHash loads a rules file and returns the SHA-256 of its bytes.
func LoadFileWithHash(path string) (*File, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read rules file: %w", err)
	}
	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	f, err := Parse(data)
	if err != nil {
		return nil, "", err
	}
	return f, hash, nil
}

// Parse decodes and validates rules YAML.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if err := ValidateFile(&f); err != nil {
		return nil, fmt.Errorf("invalid rules file: %w", err)
	}
	return &f, nil
}

// Marshal encodes a rule set as YAML.
func Marshal(f *File) ([]byte, error) {
	return yaml.Marshal(f)
}

// ExampleYAML returns a commented rules file for `autoremedy init`.
func ExampleYAML() string {
	return `# autoremedy rules
# Generated by: autoremedy init
#
# Rules run in priority order (higher first) for every event whose
# attributes satisfy their conditions. Actions run in "order"; a failed
# action stops the rule unless continue_on_error is set.
#
# Condition fields: alertType, severity, deviceId, deviceName, message,
# ticketId, or any attribute of the normalized event (dot paths into
# metadata, e.g. metadata.raw.status).
# Severity is upper-cased when events are normalized ("critical" arrives
# as CRITICAL), so compare it against upper-case values. Other string
# comparisons are case-sensitive.
# Operators: equals, not_equals, contains, not_contains, starts_with,
# ends_with, regex, in, not_in, greater_than, less_than.
# Placeholders such as {{deviceName}} are filled from the event.

chains:
  - id: noc
    name: NOC escalation
    levels:
      - level: 1
        assignee: on-call-tech
        kind: user
        delay_minutes: 15
      - level: 2
        assignee: noc-leads
        kind: group
        delay_minutes: 30
      - level: 3
        assignee: service-manager
        kind: user

rules:
  - id: disk-cleanup
    name: Disk space cleanup
    active: true
    priority: 10
    conditions:
      all:
        - field: alertType
          operator: equals
          value: DISK_SPACE_LOW
    actions:
      - type: run_script
        order: 1
        params:
          script: cleanup-temp
          args:
            drive: C
      - type: add_note
        order: 2
        continue_on_error: true
        params:
          text: "Temp cleanup ran on {{deviceName}}"
    retry:
      max_retries: 2
      retry_delay_seconds: 30
    execution_timeout_seconds: 600
    escalate_after_failures: 3
    escalation_chain_id: noc

  - id: service-restart
    name: Restart stopped service during business hours
    active: true
    priority: 5
    conditions:
      all:
        - field: alertType
          operator: equals
          value: SERVICE_DOWN
      any:
        - field: severity
          operator: in
          value: [HIGH, CRITICAL]
    actions:
      - type: restart_service
        order: 1
        params:
          service: "{{metadata.service}}"
      - type: send_notification
        order: 2
        params:
          channel: ops
          message: "Restarted {{metadata.service}} on {{deviceName}}"
    schedule:
      enabled: true
      timezone: Europe/London
      allowed_days: [monday, tuesday, wednesday, thursday, friday]
      allowed_hours:
        - start: "08:00"
          end: "18:00"
    escalate_after_failures: 2
    escalation_target:
      assignee: noc-leads
      kind: group
`
}
