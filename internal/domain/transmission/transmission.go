package transmission

import (
	"time"
)

// Transmission is one deliverable unit: an opaque payload plus everything
// needed to POST it to the ingest endpoint. Fields are frozen at construction;
// CreatedAt drives the retry deadline.
type Transmission struct {
	EndpointURL     string
	Payload         []byte
	ContentType     string
	ContentEncoding string
	CreatedAt       time.Time
}

// New copies the payload so later mutation by the caller cannot leak into an
// already-enqueued transmission. CreatedAt is truncated to millisecond
// precision to match the on-disk frame encoding.
func New(endpointURL string, payload []byte, contentType, contentEncoding string, createdAt time.Time) *Transmission {
	p := make([]byte, len(payload))
	copy(p, payload)
	return &Transmission{
		EndpointURL:     endpointURL,
		Payload:         p,
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
		CreatedAt:       createdAt.UTC().Truncate(time.Millisecond),
	}
}

// Age reports how long ago the transmission was first enqueued.
func (t *Transmission) Age(now time.Time) time.Duration {
	return now.UTC().Sub(t.CreatedAt)
}
