package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type ctxKey struct{}

var levelVar = new(slog.LevelVar)

var L = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// WithContext attaches log attributes to ctx. Attributes accumulate across calls.
func WithContext(ctx context.Context, kv ...any) context.Context {
	prev, _ := ctx.Value(ctxKey{}).([]any)
	attrs := make([]any, 0, len(prev)+len(kv))
	attrs = append(attrs, prev...)
	attrs = append(attrs, kv...)
	return context.WithValue(ctx, ctxKey{}, attrs)
}

// FromContext returns L enriched with the attributes stored by WithContext.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return L
	}
	attrs, _ := ctx.Value(ctxKey{}).([]any)
	if len(attrs) == 0 {
		return L
	}
	return L.With(attrs...)
}
