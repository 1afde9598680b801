package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Stable message keys. Log pipelines alert on these exact strings, so they
// are defined once here and never change; components pass them to Msg.
const (
	KeyDropCapacity   = "enqueue.drop.capacity"
	KeyDropIO         = "enqueue.drop.io"
	KeyPeekCorrupt    = "peek.corrupt"
	KeySendRetry      = "send.retry"
	KeyDropDeadline   = "send.drop.deadline"
	KeyDropPermanent  = "send.drop.permanent"
	KeyGCDeleteFailed = "gc.delete.failed"
)

// InitLogger builds the root logger every component derives from. Components
// tag themselves with a "component" field rather than creating their own
// loggers.
func InitLogger(level string, output io.Writer) zerolog.Logger {
	if output == nil {
		output = os.Stdout
	}

	return zerolog.New(output).
		Level(parseLogLevel(level)).
		With().
		Timestamp().
		Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
