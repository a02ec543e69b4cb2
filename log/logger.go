// Package log provides structured logging with batch context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for export paths (structured fields)
//   - SugaredLogger: Printf-style logging for CLI surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"io"
	"os"
	"slices"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Context identifies the batch a logger reports on.
// Empty fields are omitted from log entries.
type Context struct {
	// Command is the CLI command ("pack", "unpack").
	Command string
	// Catalog is the source catalog or registration name.
	Catalog string
	// Bundle is the bundle directory or location.
	Bundle string
}

// Logger provides structured logging with batch context.
type Logger struct {
	zap *zap.Logger
	// fields are attached to every entry and survive WithOutput.
	fields []zap.Field
}

// SugaredLogger provides printf-style logging for CLI surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

// NewLogger creates a new logger with batch context.
// Output defaults to os.Stderr.
func NewLogger(ctx Context) *Logger {
	return newLoggerWithCore(ctx, newCore(os.Stderr, zapcore.DebugLevel))
}

// NewTeeLogger creates a logger that writes entries at or above consoleLevel
// to console and every entry to file. Either writer may be nil.
func NewTeeLogger(ctx Context, console io.Writer, consoleLevel zapcore.Level, file io.Writer) *Logger {
	var cores []zapcore.Core
	if console != nil {
		cores = append(cores, newCore(console, consoleLevel))
	}
	if file != nil {
		cores = append(cores, newCore(file, zapcore.DebugLevel))
	}
	return newLoggerWithCore(ctx, zapcore.NewTee(cores...))
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// WithOutput returns a new logger with a different output writer.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	return withFields(newCore(w, zapcore.DebugLevel), l.fields)
}

// ForRun returns a child logger tagged with the run UID.
func (l *Logger) ForRun(uid string) *Logger {
	field := zap.String("run_uid", uid)
	return &Logger{zap: l.zap.With(field), fields: append(slices.Clone(l.fields), field)}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

func newCore(w io.Writer, level zapcore.Level) zapcore.Core {
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		level,
	)
}

func newLoggerWithCore(ctx Context, core zapcore.Core) *Logger {
	var contextFields []zap.Field
	if ctx.Command != "" {
		contextFields = append(contextFields, zap.String("command", ctx.Command))
	}
	if ctx.Catalog != "" {
		contextFields = append(contextFields, zap.String("catalog", ctx.Catalog))
	}
	if ctx.Bundle != "" {
		contextFields = append(contextFields, zap.String("bundle", ctx.Bundle))
	}
	return withFields(core, contextFields)
}

func withFields(core zapcore.Core, fields []zap.Field) *Logger {
	return &Logger{zap: zap.New(core).With(fields...), fields: fields}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}
