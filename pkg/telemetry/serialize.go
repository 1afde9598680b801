package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
)

// ContentType of the wire payload: newline-delimited JSON envelopes.
const ContentType = "application/x-json-stream"

// ContentEncoding of the wire payload.
const ContentEncoding = "gzip"

// envelope is the wire form of one item.
type envelope struct {
	Name         string             `json:"name"`
	Time         time.Time          `json:"time"`
	Properties   map[string]string  `json:"properties,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
	Exception    *exceptionDetails  `json:"exception,omitempty"`
}

type exceptionDetails struct {
	Type       string `json:"type"`
	Message    string `json:"message,omitempty"`
	StackTrace string `json:"stackTrace,omitempty"`
}

// serialize encodes envelopes as gzip-compressed newline-delimited JSON.
func serialize(envelopes []envelope) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, e := range envelopes {
		// Encoder appends the newline delimiter itself.
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("encode envelope: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}
