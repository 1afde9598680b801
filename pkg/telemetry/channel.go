package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/cassiomorais/telemetry/internal/clock"
	"github.com/cassiomorais/telemetry/internal/domain/transmission"
	"github.com/cassiomorais/telemetry/internal/infrastructure/config"
	"github.com/cassiomorais/telemetry/internal/infrastructure/observability"
	"github.com/cassiomorais/telemetry/internal/spool"
	"github.com/cassiomorais/telemetry/internal/transmit"
)

// Config configures a Channel. EndpointURL is required unless the channel is
// redirected to a debug file or opted out via environment.
type Config struct {
	EndpointURL string
	// Product names the cache subdirectory and the environment variable
	// prefix. Defaults to "telemetry".
	Product string
	// SpoolDir overrides the default per-user cache location.
	SpoolDir    string
	Spool       spool.Config
	Transmitter transmit.Config
	Metrics     *observability.Metrics
}

type mode int

const (
	modeSpool mode = iota
	modeDebugFile
	modeDisabled
)

// Channel accepts items from concurrent producers, enriches them with the
// common context, and hands them to the durable spool. Sends from one
// producer reach the spool in call order; producers never block on each
// other beyond the enqueue itself.
type Channel struct {
	cfg      Config
	log      zerolog.Logger
	validate *validator.Validate
	clk      clock.Clock
	context  map[string]string
	mode     mode

	sp   *spool.Spool
	tx   *transmit.Transmitter
	sink *fileSink

	tail   atomic.Pointer[sendNode]
	closed atomic.Bool

	serializeFailures atomic.Uint64
}

// sendNode is one link of the lock-free send chain. done closes when the
// node's enqueue has completed, releasing the successor.
type sendNode struct {
	done chan struct{}
}

// ChannelOption configures a Channel beyond its Config.
type ChannelOption func(*Channel)

// WithClock substitutes the wall clock. Test hook.
func WithClock(c clock.Clock) ChannelOption {
	return func(ch *Channel) { ch.clk = c }
}

// NewChannel builds the channel and starts its transmitter. The environment
// can override the wiring: <PRODUCT>_TELEMETRY_OPTOUT=true disables the
// channel entirely, and <PRODUCT>_TELEMETRY_FILE=<path> replaces the spool
// and transmitter with a local debug sink.
func NewChannel(cfg Config, logger zerolog.Logger, opts ...ChannelOption) (*Channel, error) {
	if cfg.Product == "" {
		cfg.Product = "telemetry"
	}
	c := &Channel{
		cfg:      cfg,
		log:      logger.With().Str("component", "channel").Logger(),
		validate: validator.New(),
		clk:      clock.System{},
		context:  commonContext(),
	}
	for _, opt := range opts {
		opt(c)
	}

	prefix := strings.ToUpper(cfg.Product)
	if optedOut(os.Getenv(prefix + "_TELEMETRY_OPTOUT")) {
		c.mode = modeDisabled
		c.log.Info().Msg("telemetry opted out, channel disabled")
		return c, nil
	}
	if path := os.Getenv(prefix + "_TELEMETRY_FILE"); path != "" {
		sink, err := newFileSink(path)
		if err != nil {
			return nil, fmt.Errorf("open telemetry debug file: %w", err)
		}
		c.mode = modeDebugFile
		c.sink = sink
		c.log.Info().Str("path", path).Msg("telemetry redirected to debug file")
		return c, nil
	}

	if u, err := url.Parse(cfg.EndpointURL); err != nil || !u.IsAbs() {
		return nil, errors.New("telemetry: endpoint URL must be absolute")
	}
	dir := cfg.SpoolDir
	if dir == "" {
		dir = config.DefaultSpoolDir(cfg.Product)
	}
	sp, err := spool.Open(dir, cfg.Spool, logger, spool.WithMetrics(cfg.Metrics))
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	sender := transmit.NewHTTPSender(cfg.Transmitter.RequestTimeout, logger, cfg.Metrics)
	c.sp = sp
	c.tx = transmit.New(sp, sender, cfg.Transmitter, logger, transmit.WithMetrics(cfg.Metrics))
	return c, nil
}

func optedOut(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

// Send accepts an item. It validates, stamps the common context (producer
// properties win on collision), and appends the enqueue to the send chain.
// Send never blocks on the network and never returns an error; items rejected
// by validation are logged, and serialization failures are counted and logged.
func (c *Channel) Send(item Item) {
	if c.closed.Load() || c.mode == modeDisabled {
		return
	}
	if err := c.validate.Struct(item); err != nil {
		c.log.Warn().Err(err).Msg("item rejected by validation")
		return
	}

	env := item.envelope()
	env.Time = item.itemTime()
	if env.Time.IsZero() {
		env.Time = c.clk.NowUTC()
	}
	env.Properties = lo.Assign(c.context, env.Properties)

	if c.mode == modeDebugFile {
		if err := c.sink.write(env); err != nil {
			c.log.Warn().Err(err).Msg("debug sink write failed")
		}
		return
	}

	node := &sendNode{done: make(chan struct{})}
	prev := c.tail.Swap(node)
	go func() {
		defer close(node.done)
		if prev != nil {
			<-prev.done
		}
		c.enqueue(env)
	}()
}

func (c *Channel) enqueue(env envelope) {
	payload, err := serialize([]envelope{env})
	if err != nil {
		n := c.serializeFailures.Add(1)
		c.log.Warn().Err(err).Uint64("failures", n).Msg("serialization failed")
		return
	}
	t := transmission.New(c.cfg.EndpointURL, payload, ContentType, ContentEncoding, c.clk.NowUTC())
	c.sp.Enqueue(t)
}

// Flush waits until every send accepted before the call has reached the
// spool, or the timeout elapses. Reaching the deadline is not an error.
func (c *Channel) Flush(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	c.FlushContext(ctx)
}

// FlushContext is Flush with caller-controlled cancellation.
func (c *Channel) FlushContext(ctx context.Context) {
	tail := c.tail.Load()
	if tail == nil {
		return
	}
	select {
	case <-tail.done:
	case <-ctx.Done():
	}
}

// Close stops accepting sends, drains the chain briefly, disposes the
// transmitter and closes the spool. Idempotent.
func (c *Channel) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	switch c.mode {
	case modeDisabled:
	case modeDebugFile:
		c.sink.close()
	default:
		c.Flush(2 * time.Second)
		c.tx.Dispose()
		c.sp.Close()
	}
}
