// Package logging wraps zap with a Trace level below Debug, matching the
// verbosity the runtime needs when tracing IPC chatter without drowning
// normal operation in noise.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// TraceLevel sits below zapcore.DebugLevel.
	TraceLevel = zapcore.Level(-8)
)

func traceAwareLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if level == TraceLevel {
		enc.AppendString("trace")
		return
	}
	zapcore.LowercaseLevelEncoder(level, enc)
}

// Logger embeds zap.Logger and adds Trace level support.
type Logger struct {
	*zap.Logger
}

// SugaredLogger embeds zap.SugaredLogger and adds Trace level support.
type SugaredLogger struct {
	*zap.SugaredLogger
}

// New builds a Logger named name, configured from LOG_FORMAT, LOG_LEVEL /
// COG_LOG_LEVEL, and LOG_FILE environment variables, captured once here
// rather than re-read per call site.
func New(name string) *Logger {
	var cfg zap.Config
	if fmt := os.Getenv("LOG_FORMAT"); fmt == "development" || fmt == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	cfg.EncoderConfig.EncodeLevel = traceAwareLevelEncoder

	logLevel := os.Getenv("COG_LOG_LEVEL")
	if logLevel == "" {
		logLevel = os.Getenv("LOG_LEVEL")
	}
	if logLevel != "" {
		if level, err := parseLevel(logLevel); err != nil {
			fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", logLevel, err) //nolint:forbidigo // logger bootstrap error
		} else {
			cfg.Level = zap.NewAtomicLevelAt(level)
		}
	}

	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		cfg.OutputPaths = []string{logFile}
		cfg.ErrorOutputPaths = []string{logFile}
	} else {
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.LevelKey = "severity"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cfg.Sampling = nil

	z, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return &Logger{Logger: z.Named(name)}
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return TraceLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{SugaredLogger: l.Logger.Sugar()}
}

func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name)}
}

func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

func (l *Logger) Trace(msg string, fields ...zap.Field) {
	l.Log(TraceLevel, msg, fields...)
}

func (s *SugaredLogger) Trace(args ...any) {
	s.Log(TraceLevel, args...)
}

func (s *SugaredLogger) Tracew(msg string, keysAndValues ...any) {
	s.Logw(TraceLevel, msg, keysAndValues...)
}

func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{SugaredLogger: s.SugaredLogger.With(args...)}
}

func (s *SugaredLogger) Named(name string) *SugaredLogger {
	return &SugaredLogger{SugaredLogger: s.SugaredLogger.Named(name)}
}
