package server

import (
	"context"
	"log/slog"

	"promptgallery/internal/observability/logging"
)

// loggerWithRequestContext prefers the logger attached by the request id
// middleware and falls back to annotating logger with the context fields.
func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	return logging.FromContext(ctx, logger)
}
