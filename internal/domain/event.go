package domain

import (
	"errors"
	"time"
)

// IdentifierEvent is a scanned context identifier observed at a source device.
type IdentifierEvent struct {
	Identifier   string    `json:"identifier"`
	SourceDevice string    `json:"source_device"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e IdentifierEvent) Validate() error {
	if e.Identifier == "" {
		return errors.New("identifier is required")
	}
	if e.SourceDevice == "" {
		return errors.New("source_device is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}
