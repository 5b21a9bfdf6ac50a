package connect

import (
	"context"
	"io"
	"os"
)

type logWriterKey struct{}

// WithLogWriter returns a new context carrying the given io.Writer for
// registry-adapter logging. Host processes that capture output elsewhere
// (a supervisor, a test harness) set this so log lines land there instead
// of stdout.
func WithLogWriter(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, logWriterKey{}, w)
}

// LogWriter returns an io.Writer for adapter log output, falling back to
// os.Stdout when the context carries none.
//
// The returned writer works directly with Go's standard logging:
//
//	slog.New(slog.NewTextHandler(connect.LogWriter(ctx), nil))
//	log.New(connect.LogWriter(ctx), "", 0)
//	log.SetOutput(connect.LogWriter(ctx))
func LogWriter(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(logWriterKey{}).(io.Writer); ok && w != nil {
		return w
	}
	return os.Stdout
}
