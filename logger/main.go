package logger

import (
	"context"

	"github.com/hyperdxio/opentelemetry-go/otelzap"
	sdk "github.com/hyperdxio/opentelemetry-logs-go/sdk/logs"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type LoggerConnectProps struct {
	Production     bool
	LoggerProvider *sdk.LoggerProvider
	// Debug lowers the development logger to debug level.
	Debug bool
}

type LogMiddleware struct {
	logger *zap.Logger
}

func Connect(args LoggerConnectProps) *LogMiddleware {
	var logger *zap.Logger

	if args.Production && args.LoggerProvider != nil {
		logger = zap.New(otelzap.NewOtelCore(args.LoggerProvider))
		zap.ReplaceGlobals(logger)
		logger.Info("[Logger] Starting Logger with Prod Config")
	} else {
		cfg := zap.NewDevelopmentConfig()
		if !args.Debug {
			cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			logger = zap.NewExample()
		}
	}

	return &LogMiddleware{logger: logger}
}

// Nop returns a middleware that discards everything. Used by tests.
func Nop() *LogMiddleware {
	return &LogMiddleware{logger: zap.NewNop()}
}

// Logger returns the base logger, tagged with the trace and span ids of ctx when present.
func (l *LogMiddleware) Logger(ctx context.Context) *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}
	spanContext := trace.SpanContextFromContext(ctx)
	if !spanContext.IsValid() {
		return l.logger
	}

	return l.logger.With(
		zap.String("trace_id", spanContext.TraceID().String()),
		zap.String("span_id", spanContext.SpanID().String()),
	)
}

// Sync flushes buffered entries. Errors from syncing stderr are ignored.
func (l *LogMiddleware) Sync() {
	if l == nil || l.logger == nil {
		return
	}
	_ = l.logger.Sync()
}
