// Package logging provides structured JSON logging shared by every gateway
// component, with pluggable hooks for external sinks.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log entry.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

// LogEntry is a structured log record, JSON-serialized to every output.
type LogEntry struct {
	Timestamp   time.Time              `json:"timestamp"`
	Level       string                 `json:"level"`
	Message     string                 `json:"message"`
	RequestID   string                 `json:"request_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	AccountID   string                 `json:"account_id,omitempty"`
	TradeID     string                 `json:"trade_id,omitempty"`
	OrderID     string                 `json:"order_id,omitempty"`
	Symbol      string                 `json:"symbol,omitempty"`
	Component   string                 `json:"component,omitempty"`
	Function    string                 `json:"function,omitempty"`
	File        string                 `json:"file,omitempty"`
	Line        int                    `json:"line,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StackTrace  string                 `json:"stack_trace,omitempty"`
	Duration    float64                `json:"duration_ms,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
	Environment string                 `json:"environment,omitempty"`
	Hostname    string                 `json:"hostname,omitempty"`
	PID         int                    `json:"pid,omitempty"`
}

// Logger provides structured logging with multiple outputs and hooks.
type Logger struct {
	mu          sync.RWMutex
	level       LogLevel
	outputs     []io.Writer
	hooks       []Hook
	environment string
	hostname    string
	pid         int
	sampling    *SamplingConfig
}

// SamplingConfig controls log sampling to reduce volume in production.
type SamplingConfig struct {
	Enabled     bool
	Rate        float64
	KeepErrors  bool
	SampleCount int64
	mu          sync.Mutex
}

// Hook lets an external sink (left abstract; no sink is wired in by
// default) observe log entries at chosen levels.
type Hook interface {
	Fire(entry *LogEntry) error
	Levels() []LogLevel
}

// NewLogger creates a structured logger writing to outputs (stdout if none
// given).
func NewLogger(level LogLevel, outputs ...io.Writer) *Logger {
	if len(outputs) == 0 {
		outputs = []io.Writer{os.Stdout}
	}

	hostname, _ := os.Hostname()

	return &Logger{
		level:       level,
		outputs:     outputs,
		environment: getEnvironment(),
		hostname:    hostname,
		pid:         os.Getpid(),
		sampling: &SamplingConfig{
			Enabled:    false,
			Rate:       1.0,
			KeepErrors: true,
		},
	}
}

func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) AddHook(hook Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook)
}

func (l *Logger) EnableSampling(rate float64, keepErrors bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sampling.Enabled = true
	l.sampling.Rate = rate
	l.sampling.KeepErrors = keepErrors
}

func (l *Logger) DisableSampling() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sampling.Enabled = false
}

// WithContext binds request/user/account fields carried on ctx to every
// subsequent call.
func (l *Logger) WithContext(ctx context.Context) *ContextLogger {
	return &ContextLogger{logger: l, ctx: ctx}
}

func (l *Logger) Debug(message string, fields ...Field) { l.log(DEBUG, message, nil, fields...) }
func (l *Logger) Info(message string, fields ...Field)  { l.log(INFO, message, nil, fields...) }
func (l *Logger) Warn(message string, fields ...Field)  { l.log(WARN, message, nil, fields...) }

func (l *Logger) Error(message string, err error, fields ...Field) {
	l.log(ERROR, message, err, fields...)
}

func (l *Logger) Fatal(message string, err error, fields ...Field) {
	l.log(FATAL, message, err, fields...)
	os.Exit(1)
}

func (l *Logger) log(level LogLevel, message string, err error, fields ...Field) {
	l.mu.RLock()
	if level < l.level {
		l.mu.RUnlock()
		return
	}
	if l.sampling.Enabled && !l.shouldSample(level) {
		l.mu.RUnlock()
		return
	}
	l.mu.RUnlock()

	entry := &LogEntry{
		Timestamp:   time.Now().UTC(),
		Level:       levelNames[level],
		Message:     message,
		Environment: l.environment,
		Hostname:    l.hostname,
		PID:         l.pid,
		Extra:       make(map[string]interface{}),
	}

	if pc, file, line, ok := runtime.Caller(2); ok {
		entry.File = trimPath(file)
		entry.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			entry.Function = trimFunctionName(fn.Name())
		}
	}

	if err != nil {
		entry.Error = err.Error()
		if level >= ERROR {
			entry.StackTrace = getStackTrace()
		}
	}

	for _, field := range fields {
		field.Apply(entry)
	}

	l.mu.RLock()
	for _, hook := range l.hooks {
		if containsLevel(hook.Levels(), level) {
			_ = hook.Fire(entry)
		}
	}
	l.mu.RUnlock()

	l.writeEntry(entry)
}

func (l *Logger) shouldSample(level LogLevel) bool {
	if !l.sampling.Enabled {
		return true
	}
	if l.sampling.KeepErrors && level >= ERROR {
		return true
	}

	l.sampling.mu.Lock()
	defer l.sampling.mu.Unlock()

	l.sampling.SampleCount++
	threshold := int64(1.0 / l.sampling.Rate)
	return l.sampling.SampleCount%threshold == 0
}

func (l *Logger) writeEntry(entry *LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":"%s","message":"failed to marshal log: %v"}`, entry.Level, err))
	}
	data = append(data, '\n')

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, output := range l.outputs {
		_, _ = output.Write(data)
	}
}

// ContextLogger wraps Logger, attaching context-derived fields to every call.
type ContextLogger struct {
	logger *Logger
	ctx    context.Context
}

func (cl *ContextLogger) Debug(message string, fields ...Field) {
	cl.logger.Debug(message, append(fields, FieldsFromContext(cl.ctx)...)...)
}

func (cl *ContextLogger) Info(message string, fields ...Field) {
	cl.logger.Info(message, append(fields, FieldsFromContext(cl.ctx)...)...)
}

func (cl *ContextLogger) Warn(message string, fields ...Field) {
	cl.logger.Warn(message, append(fields, FieldsFromContext(cl.ctx)...)...)
}

func (cl *ContextLogger) Error(message string, err error, fields ...Field) {
	cl.logger.Error(message, err, append(fields, FieldsFromContext(cl.ctx)...)...)
}

func (cl *ContextLogger) Fatal(message string, err error, fields ...Field) {
	cl.logger.Fatal(message, err, append(fields, FieldsFromContext(cl.ctx)...)...)
}

func getEnvironment() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = os.Getenv("ENV")
	}
	if env == "" {
		env = "development"
	}
	return env
}

func trimPath(path string) string {
	if idx := strings.Index(path, "/backend/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func trimFunctionName(name string) string {
	parts := strings.Split(name, "/")
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return name
}

func getStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

func containsLevel(levels []LogLevel, level LogLevel) bool {
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}

var defaultLogger = NewLogger(INFO)

func Debug(message string, fields ...Field)                 { defaultLogger.Debug(message, fields...) }
func Info(message string, fields ...Field)                  { defaultLogger.Info(message, fields...) }
func Warn(message string, fields ...Field)                  { defaultLogger.Warn(message, fields...) }
func Error(message string, err error, fields ...Field)      { defaultLogger.Error(message, err, fields...) }
func Fatal(message string, err error, fields ...Field)      { defaultLogger.Fatal(message, err, fields...) }
func SetLevel(level LogLevel)                                { defaultLogger.SetLevel(level) }
func AddHook(hook Hook)                                      { defaultLogger.AddHook(hook) }
func WithContext(ctx context.Context) *ContextLogger         { return defaultLogger.WithContext(ctx) }
