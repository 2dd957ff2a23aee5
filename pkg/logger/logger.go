package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceIdKey is the context key carrying a trace id into log records.
const TraceIdKey = "trace_id"

// Log is the process-wide logger. Engine components never read it
// directly; they receive a *zap.Logger from Named or from their caller.
var Log *zap.Logger

// atomicLevel is the level of the global logger; SetLevel changes it in place.
var atomicLevel = zap.NewAtomicLevel()

// Init builds the global logger writing JSON to stdout and logs/{service}.log.
func Init(serviceName string, level string) {
	InitWithFile(serviceName, level, "")
}

// InitWithFile is Init with an explicit log file path. An empty path means
// logs/{serviceName}.log. Failing to open the file keeps console output only.
func InitWithFile(serviceName string, level string, logFile string) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}

	if logFile == "" {
		logFile = filepath.Join("logs", serviceName+".log")
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err == nil {
		if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			writeSyncers = append(writeSyncers, zapcore.AddSync(file))
		}
	}

	atomicLevel.SetLevel(zapLevel)
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		atomicLevel,
	)

	// CallerSkip 1: the ctx helpers below add one frame.
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

// SetLevel changes the level of the global logger and every child of it.
func SetLevel(l string) error {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(l)); err != nil {
		return err
	}
	atomicLevel.SetLevel(zapLevel)
	return nil
}

// Level is the current global level.
func Level() zapcore.Level { return atomicLevel.Level() }

// Named returns a child of the global logger for one component, or a no-op
// logger when Init was never called (tests, library use).
func Named(component string) *zap.Logger {
	if Log == nil {
		return zap.NewNop()
	}
	return Log.WithOptions(zap.AddCallerSkip(-1)).Named(component)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	if Log == nil {
		return
	}
	extractTrace(ctx, &fields)
	Log.Info(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	if Log == nil {
		return
	}
	extractTrace(ctx, &fields)
	Log.Error(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	if Log == nil {
		return
	}
	extractTrace(ctx, &fields)
	Log.Warn(msg, fields...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if Log == nil {
		return
	}
	extractTrace(ctx, &fields)
	Log.Debug(msg, fields...)
}

// Fatal logs and exits the process.
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	if Log == nil {
		os.Exit(1)
	}
	extractTrace(ctx, &fields)
	Log.Fatal(msg, fields...)
}

// WithTrace stores a trace id on ctx for the helpers above.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIdKey, traceID)
}

func extractTrace(ctx context.Context, fields *[]zap.Field) {
	if ctx == nil {
		return
	}
	if traceID, ok := ctx.Value(TraceIdKey).(string); ok && traceID != "" {
		*fields = append(*fields, zap.String("trace_id", traceID))
	}
}

// Sync flushes buffered records; call it from main with defer.
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
