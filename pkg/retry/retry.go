package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// ImmediateConfig retries back-to-back with no sleeps. Used for file
// operations that fail on transient sharing violations which clear as soon as
// the other handle closes.
func ImmediateConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 0,
		MaxDelay:     0,
	}
}

// DoIf retries only while shouldRetry reports the error as transient. Delays
// follow cfg; an ImmediateConfig gives back-to-back attempts.
func DoIf(ctx context.Context, cfg Config, shouldRetry func(error) bool, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(cfg.MaxAttempts),
		retry.Delay(cfg.InitialDelay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(shouldRetry),
	)
}
