package model

import (
	"strings"
	"time"
)

// Message represents a single device message taken off the inbound subject
type Message struct {
	SourceID   string    `json:"source_id"`
	Timestamp  time.Time `json:"timestamp"`
	Status     Status    `json:"status"`
	RawPayload []byte    `json:"-"`
}

// Status represents the device-reported status of a message
type Status int32

const (
	Status_NORMAL Status = 0
	Status_THREAT Status = 1
	Status_OTHER  Status = 2
)

func (s Status) String() string {
	switch s {
	case Status_NORMAL:
		return "Normal"
	case Status_THREAT:
		return "Threat"
	default:
		return "Other"
	}
}

// ParseStatus maps a wire status string to a Status. Unknown values are Other.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "normal":
		return Status_NORMAL
	case "threat":
		return Status_THREAT
	default:
		return Status_OTHER
	}
}

// VerdictKind is the outcome of evaluating one message
type VerdictKind int32

const (
	VerdictKind_NORMAL VerdictKind = 0
	VerdictKind_ALERT  VerdictKind = 1
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictKind_ALERT:
		return "ALERT"
	default:
		return "NORMAL"
	}
}

// Verdict is Normal, or Alert carrying the alert that was raised
type Verdict struct {
	Kind  VerdictKind
	Alert *Alert
}

// NormalVerdict returns the Normal verdict
func NormalVerdict() Verdict {
	return Verdict{Kind: VerdictKind_NORMAL}
}

// AlertVerdict wraps an alert into an Alert verdict
func AlertVerdict(alert *Alert) Verdict {
	return Verdict{Kind: VerdictKind_ALERT, Alert: alert}
}

// IsAlert reports whether the verdict carries an alert
func (v Verdict) IsAlert() bool {
	return v.Kind == VerdictKind_ALERT && v.Alert != nil
}
