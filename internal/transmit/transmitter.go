// Package transmit drains the spool: peek, POST, delete on success, leave in
// place on retryable failure, drop past the retry deadline. The loop outlives
// every error; only Dispose stops it.
package transmit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cassiomorais/telemetry/internal/clock"
	"github.com/cassiomorais/telemetry/internal/infrastructure/observability"
	"github.com/cassiomorais/telemetry/internal/spool"
)

// Config tunes the drain loop. Zero values take defaults.
type Config struct {
	// Interval is the idle poll floor. The historical default of 1ms would
	// spin; anything below 50ms is raised to 50ms.
	Interval       time.Duration
	RequestTimeout time.Duration
	Workers        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	GCInterval     time.Duration
	DisposeGrace   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval < 50*time.Millisecond {
		c.Interval = 50 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 5 * time.Minute
	}
	if c.DisposeGrace <= 0 {
		c.DisposeGrace = 5 * time.Second
	}
}

type outcome int

const (
	outcomeIdle outcome = iota
	outcomeSent
	outcomeDropped
	outcomeRetry
)

// Transmitter owns the background workers draining a spool.
type Transmitter struct {
	spool   *spool.Spool
	sender  Sender
	clk     clock.Clock
	log     zerolog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	cfg     Config

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Transmitter at construction.
type Option func(*Transmitter)

// WithClock substitutes the wall clock. Test hook.
func WithClock(c clock.Clock) Option {
	return func(t *Transmitter) { t.clk = c }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Transmitter) { t.metrics = m }
}

// New starts the drain workers and the periodic GC immediately.
func New(sp *spool.Spool, sender Sender, cfg Config, logger zerolog.Logger, opts ...Option) *Transmitter {
	cfg.applyDefaults()
	t := &Transmitter{
		spool:  sp,
		sender: sender,
		clk:    clock.System{},
		log:    logger.With().Str("component", "transmitter").Logger(),
		tracer: otel.Tracer("github.com/cassiomorais/telemetry/internal/transmit"),
		cfg:    cfg,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	for i := 0; i < t.cfg.Workers; i++ {
		t.wg.Add(1)
		go t.drainLoop()
	}
	t.wg.Add(1)
	go t.gcLoop()
	return t
}

// Dispose signals the workers to stop and waits up to the dispose grace for
// them to exit. An in-flight POST past the grace is abandoned; its file stays
// on disk for the next process.
func (t *Transmitter) Dispose() {
	t.stopOnce.Do(func() { close(t.stop) })
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(t.cfg.DisposeGrace):
		t.log.Warn().Msg("dispose grace elapsed with workers still running")
	}
}

func (t *Transmitter) drainLoop() {
	defer t.wg.Done()

	idle := t.cfg.Interval
	backoff := t.cfg.InitialBackoff
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		switch t.iterate() {
		case outcomeSent, outcomeDropped:
			idle = t.cfg.Interval
			backoff = t.cfg.InitialBackoff
		case outcomeIdle:
			// Idle peeks back off too so an empty spool is not polled hot.
			t.sleep(idle)
			idle = minDuration(idle*2, t.cfg.MaxBackoff)
		case outcomeRetry:
			t.sleep(backoff)
			backoff = minDuration(backoff*2, t.cfg.MaxBackoff)
			idle = t.cfg.Interval
		}
	}
}

// iterate performs one peek-and-send cycle. Panics from the sender or the
// spool are contained here; the handle is released on every exit path, which
// is a no-op when it was already deleted.
func (t *Transmitter) iterate() (out outcome) {
	var h *spool.InFlight
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Interface("panic", r).Msg("drain iteration panicked")
			out = outcomeRetry
		}
		if h != nil {
			t.spool.Release(h)
		}
	}()

	h = t.spool.Peek()
	if h == nil {
		return outcomeIdle
	}

	tr := h.Transmission
	if tr.Age(t.clk.NowUTC()) >= t.spool.RetryDeadline() {
		t.log.Warn().Str("file", h.Name).Time("created_at", tr.CreatedAt).Msg(observability.KeyDropDeadline)
		t.metrics.ObserveTransmission("drop_deadline", 0)
		t.spool.Delete(h)
		return outcomeDropped
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
	defer cancel()
	ctx, span := t.tracer.Start(ctx, "transmit.send", trace.WithAttributes(
		attribute.String("endpoint", tr.EndpointURL),
		attribute.Int("payload_bytes", len(tr.Payload)),
	))
	start := time.Now()
	res, err := t.sender.Send(ctx, tr)
	elapsed := time.Since(start).Seconds()
	if res != nil {
		span.SetAttributes(attribute.Int("http.status_code", res.HTTPCode))
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	switch {
	case res != nil && res.Status == StatusSuccess:
		t.spool.Delete(h)
		t.metrics.ObserveTransmission("success", elapsed)
		return outcomeSent
	case res != nil && res.Status == StatusPermanent:
		t.log.Warn().Str("file", h.Name).Int("status", res.HTTPCode).Msg(observability.KeyDropPermanent)
		t.spool.Delete(h)
		t.metrics.ObserveTransmission("drop_permanent", elapsed)
		return outcomeDropped
	default:
		t.log.Info().Err(err).Str("file", h.Name).Msg(observability.KeySendRetry)
		t.spool.Release(h)
		t.metrics.ObserveTransmission("retry", elapsed)
		return outcomeRetry
	}
}

func (t *Transmitter) gcLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.spool.GC()
		}
	}
}

func (t *Transmitter) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.stop:
	case <-timer.C:
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
