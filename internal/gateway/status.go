package gateway

import (
	"encoding/json"
	"strings"
)

type Status string

const (
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusSuspended  Status = "suspended"
	StatusInstalling Status = "installing"
	StatusUnknown    Status = "unknown"
)

type Signal string

const (
	SignalStart   Signal = "start"
	SignalStop    Signal = "stop"
	SignalRestart Signal = "restart"
)

// ParseSignal validates a power signal name.
func ParseSignal(s string) (Signal, bool) {
	switch sig := Signal(strings.ToLower(strings.TrimSpace(s))); sig {
	case SignalStart, SignalStop, SignalRestart:
		return sig, true
	}
	return "", false
}

type serverAttributes struct {
	Status       json.RawMessage `json:"status"`
	CurrentState json.RawMessage `json:"current_state"`
	Suspended    json.RawMessage `json:"suspended"`
}

type serverResponse struct {
	Attributes json.RawMessage `json:"attributes"`
	Status     json.RawMessage `json:"status"`
}

// parseStatus reads a server document. Fields of an unexpected shape map to
// StatusUnknown rather than failing the call.
func parseStatus(raw []byte) Status {
	var resp serverResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return StatusUnknown
	}
	if len(resp.Attributes) == 0 || string(resp.Attributes) == "null" {
		return mapStatus(resp.Status)
	}
	var attrs serverAttributes
	if err := json.Unmarshal(resp.Attributes, &attrs); err != nil {
		return StatusUnknown
	}
	var suspended bool
	if json.Unmarshal(attrs.Suspended, &suspended) == nil && suspended {
		return StatusSuspended
	}
	if s := mapStatus(attrs.Status); s != StatusUnknown {
		return s
	}
	return mapStatus(attrs.CurrentState)
}

func mapStatus(raw json.RawMessage) Status {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return StatusUnknown
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "running", "starting":
		return StatusRunning
	case "offline", "stopped", "stopping":
		return StatusStopped
	case "suspended":
		return StatusSuspended
	case "installing", "install_failed", "reinstall_failed", "restoring_backup":
		return StatusInstalling
	default:
		return StatusUnknown
	}
}
