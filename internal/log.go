package internal

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-isatty"
)

// _logger is the process-wide logger. It's configured once in NewLogger and
// shared by everything via Log.
var _logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
})

// NewLogger configures and returns the root logger. Plain logfmt when output
// isn't a TTY so log shippers don't choke on ANSI escapes.
func NewLogger(verbose bool) *log.Logger {
	opts := log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       log.LogfmtFormatter,
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		opts.TimeFormat = time.Kitchen
		opts.Formatter = log.TextFormatter
	}
	if verbose {
		opts.Level = log.DebugLevel
	}
	_logger = log.NewWithOptions(os.Stderr, opts)
	return _logger
}

// Log returns a logger annotated with the context's correlation fields. Queue
// consumers stamp batch/job identity on the context so every line inside a
// message's processing carries it.
func Log(ctx context.Context) *log.Logger {
	logger := _logger
	if reqID, ok := ctx.Value(middleware.RequestIDKey).(string); ok && reqID != "" {
		logger = logger.With("requestID", reqID)
	}
	for _, key := range []logKey{logBatchID, logJobID, logSource} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			logger = logger.With(string(key), v)
		}
	}
	return logger
}

type logKey string

const (
	logBatchID logKey = "batch_id"
	logJobID   logKey = "job_id"
	logSource  logKey = "source"
)

// withBatchID stamps a batch identifier on the context.
func withBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, logBatchID, id)
}

// withJobID stamps a backfill job identifier on the context.
func withJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, logJobID, id)
}

// withSource stamps the message source tag on the context.
func withSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, logSource, source)
}
