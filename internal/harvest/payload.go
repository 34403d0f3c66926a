package harvest

import (
	"errors"
	"fmt"
)

// PayloadKind discriminates the job payload variants. Worker dispatch must
// handle every kind exhaustively.
type PayloadKind string

// Payload variants accepted by the queue.
const (
	PayloadRunSource PayloadKind = "run-source"
	PayloadRunAll    PayloadKind = "run-all"
	PayloadMonitor   PayloadKind = "monitor"
)

// JobPayload is the tagged variant carried by each queued job. Only the
// fields relevant to Kind are populated; Validate enforces that.
type JobPayload struct {
	Kind         PayloadKind `json:"kind"`
	Source       string      `json:"source,omitempty"`
	Strategy     Strategy    `json:"strategy,omitempty"`
	MonitorLabel string      `json:"monitor_label,omitempty"`
	Timezone     string      `json:"timezone,omitempty"`
}

// RunSourcePayload builds a payload targeting one named source.
func RunSourcePayload(source string, strategy Strategy) JobPayload {
	return JobPayload{Kind: PayloadRunSource, Source: source, Strategy: strategy}
}

// RunAllPayload builds a payload asking the worker to run every active source.
func RunAllPayload(strategy Strategy) JobPayload {
	return JobPayload{Kind: PayloadRunAll, Strategy: strategy}
}

// MonitorPayload builds a continuous-monitoring payload for one source.
func MonitorPayload(source, label, timezone string) JobPayload {
	return JobPayload{
		Kind:         PayloadMonitor,
		Source:       source,
		MonitorLabel: label,
		Timezone:     timezone,
	}
}

// Validate checks structural requirements per payload kind.
func (p JobPayload) Validate() error {
	switch p.Kind {
	case PayloadRunSource:
		if p.Source == "" {
			return errors.New("run-source payload requires a source name")
		}
	case PayloadRunAll:
	case PayloadMonitor:
		if p.Source == "" {
			return errors.New("monitor payload requires a source name")
		}
		if p.MonitorLabel == "" {
			return errors.New("monitor payload requires a label")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	if p.Strategy != "" && !p.Strategy.Valid() {
		return fmt.Errorf("unknown strategy %q", p.Strategy)
	}
	return nil
}
