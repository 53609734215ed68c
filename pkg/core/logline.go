package core

import "time"

// LogLine is a single journal entry of a tailed unit.
type LogLine struct {
	UnitID    string    `json:"unit"`
	Timestamp time.Time `json:"ts"`
	Source    string    `json:"source"` // SYSLOG_IDENTIFIER, _COMM or "journal"
	Text      string    `json:"text"`
}
