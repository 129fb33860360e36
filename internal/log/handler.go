package log

import (
	"context"
	"log/slog"

	"github.com/ErlanBelekov/market-scanner/internal/requestid"
)

type jobNameKey struct{}

// WithJobName returns a copy of ctx tagged with the executing job's name.
func WithJobName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, jobNameKey{}, name)
}

// JobNameFromContext extracts the job name from ctx. Returns "" if absent.
func JobNameFromContext(ctx context.Context) string {
	name, _ := ctx.Value(jobNameKey{}).(string)
	return name
}

// ContextHandler wraps an slog.Handler and automatically extracts
// request_id and job_name from the context of each log record.
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler returns a handler that enriches every record with
// context values before delegating to inner.
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := requestid.FromContext(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	if name := JobNameFromContext(ctx); name != "" {
		r.AddAttrs(slog.String("job_name", name))
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
