package transmit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/cassiomorais/telemetry/internal/domain/transmission"
	"github.com/cassiomorais/telemetry/internal/infrastructure/observability"
)

// Status classifies an ingest response for the drain loop.
type Status int

const (
	// StatusSuccess means the endpoint accepted the transmission.
	StatusSuccess Status = iota
	// StatusRetryable means the attempt failed in a way worth retrying:
	// 408, 429, 5xx, network errors, timeouts, open breaker.
	StatusRetryable
	// StatusPermanent means the endpoint rejected the transmission and a
	// retry cannot succeed (4xx other than 408/429).
	StatusPermanent
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPermanent:
		return "permanent"
	default:
		return "retryable"
	}
}

// Result is the classified outcome of one send attempt.
type Result struct {
	Status   Status
	HTTPCode int
}

// Sender delivers one transmission to its endpoint. A nil Result with a
// non-nil error means the attempt never produced a classifiable response and
// is treated as retryable.
type Sender interface {
	Send(ctx context.Context, t *transmission.Transmission) (*Result, error)
}

// HTTPSender posts transmissions with net/http behind a circuit breaker, so a
// dead ingest endpoint stops burning sockets after a burst of failures.
type HTTPSender struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*Result]
	log     zerolog.Logger
}

// NewHTTPSender builds the production sender. timeout bounds each request end
// to end; metrics may be nil.
func NewHTTPSender(timeout time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *HTTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &HTTPSender{
		client: &http.Client{Timeout: timeout},
		log:    logger.With().Str("component", "sender").Logger(),
	}
	s.breaker = gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
		Name:        "ingest",
		MaxRequests: 10,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state change")
			metrics.SetBreakerState(name, breakerStateValue(to))
		},
	})
	return s
}

func breakerStateValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Send posts t.Payload to t.EndpointURL. Retryable statuses are returned with
// a non-nil error so the breaker counts them as failures; permanent
// rejections do not trip the breaker.
func (s *HTTPSender) Send(ctx context.Context, t *transmission.Transmission) (*Result, error) {
	return s.breaker.Execute(func() (*Result, error) {
		return s.post(ctx, t)
	})
}

func (s *HTTPSender) post(ctx context.Context, t *transmission.Transmission) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.EndpointURL, bytes.NewReader(t.Payload))
	if err != nil {
		return &Result{Status: StatusPermanent}, nil
	}
	req.Header.Set("Content-Type", t.ContentType)
	if t.ContentEncoding != "" {
		req.Header.Set("Content-Encoding", t.ContentEncoding)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post transmission: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	res := &Result{Status: Classify(resp.StatusCode), HTTPCode: resp.StatusCode}
	if res.Status == StatusRetryable {
		return res, fmt.Errorf("ingest returned status %d", resp.StatusCode)
	}
	return res, nil
}

// Classify maps an HTTP status code to a drain-loop outcome.
func Classify(code int) Status {
	switch {
	case code >= 200 && code < 300:
		return StatusSuccess
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return StatusRetryable
	case code >= 400 && code < 500:
		return StatusPermanent
	default:
		return StatusRetryable
	}
}
