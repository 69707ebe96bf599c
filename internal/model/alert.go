package model

import "time"

type Alert struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Severity      string    `json:"severity"`
	SourceID      string    `json:"source_id"`
	DetectedAt    time.Time `json:"detected_at"`
	MessageCount  int       `json:"message_count"`
	WindowSeconds float64   `json:"window_seconds"`
	Summary       string    `json:"summary"`
}

// CommandKind names a mitigation command
type CommandKind string

const (
	CommandKind_PAUSE  CommandKind = "PAUSE"
	CommandKind_RESUME CommandKind = "RESUME"
)

type Command struct {
	ID             string      `json:"id"`
	Command        CommandKind `json:"command"`
	TargetSourceID string      `json:"target_source_id"`
	IssuedAt       time.Time   `json:"issued_at"`
}

// MitigationRecord is the responder's memory of a command issued to a source
type MitigationRecord struct {
	SourceID  string      `json:"source_id"`
	IssuedAt  time.Time   `json:"issued_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	Command   CommandKind `json:"command"`
	Delivered bool        `json:"delivered"`
}

// Active reports whether the record still suppresses new commands at now
func (r MitigationRecord) Active(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}
