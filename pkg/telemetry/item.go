// Package telemetry is the public client surface: producers hand it events
// and exception reports, and it buffers them durably on disk and forwards
// them to the ingest endpoint in the background.
package telemetry

import (
	"time"
)

// Version is reported to the ingest endpoint as part of the common context.
const Version = "1.4.0"

// Item is a telemetry item a producer can send. Sealed: Event and Exception
// are the two implementations.
type Item interface {
	itemTime() time.Time
	envelope() envelope
}

// Event is a named occurrence with optional string properties and numeric
// measurements.
type Event struct {
	Name         string `validate:"required,max=512"`
	Properties   map[string]string
	Measurements map[string]float64
	// Timestamp defaults to the send time when zero.
	Timestamp time.Time
}

func (e Event) itemTime() time.Time { return e.Timestamp }

func (e Event) envelope() envelope {
	return envelope{
		Name:         e.Name,
		Properties:   e.Properties,
		Measurements: e.Measurements,
	}
}

// Exception is an error report. Type is the error class or category, Message
// the human-readable description.
type Exception struct {
	Type         string `validate:"required,max=1024"`
	Message      string
	StackTrace   string
	Properties   map[string]string
	Measurements map[string]float64
	Timestamp    time.Time
}

func (e Exception) itemTime() time.Time { return e.Timestamp }

func (e Exception) envelope() envelope {
	return envelope{
		Name:         "exception",
		Properties:   e.Properties,
		Measurements: e.Measurements,
		Exception: &exceptionDetails{
			Type:       e.Type,
			Message:    e.Message,
			StackTrace: e.StackTrace,
		},
	}
}
