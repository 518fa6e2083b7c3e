// Package logging provides structured logging for the escrow client.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type contextKey string

const (
	tradeIDKey contextKey = "trade_id"
	loggerKey  contextKey = "logger"
)

// New creates a new structured logger
func New(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WithTradeID adds a trade ID to the context
func WithTradeID(ctx context.Context, tradeID string) context.Context {
	return context.WithValue(ctx, tradeIDKey, tradeID)
}

// TradeID extracts the trade ID from context
func TradeID(ctx context.Context) string {
	if id, ok := ctx.Value(tradeIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience function to get a logger with trade context
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if id := TradeID(ctx); id != "" {
		return logger.With("trade_id", id)
	}
	return logger
}
