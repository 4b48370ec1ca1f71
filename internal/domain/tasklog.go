package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogLevel is the severity of a task log entry.
type LogLevel string

// Accepted log levels, lowest to highest severity.
const (
	LogLevelDebug    LogLevel = "DEBUG"
	LogLevelInfo     LogLevel = "INFO"
	LogLevelWarning  LogLevel = "WARNING"
	LogLevelError    LogLevel = "ERROR"
	LogLevelCritical LogLevel = "CRITICAL"
)

// ParseLogLevel converts a string into a LogLevel, returning ErrValidation
// for values outside the fixed set.
func ParseLogLevel(s string) (LogLevel, error) {
	switch LogLevel(s) {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError, LogLevelCritical:
		return LogLevel(s), nil
	default:
		return "", fmt.Errorf("%w: unknown log level %q", ErrValidation, s)
	}
}

// Size bounds for task log fields.
const (
	MaxLogMessageLen  = 1000
	MaxStepNameLen    = 200
	MaxMetadataBytes  = 5 * 1024
	MaxErrMessageLen  = 1000
	MaxCurrentStepLen = 200
)

// TaskLog is an append-only child record of a Task. Entries are never
// mutated and are deleted only with their parent task.
type TaskLog struct {
	ID           int64
	TaskID       int64
	Timestamp    time.Time
	Level        LogLevel
	Message      string
	StepName     string
	StepProgress *float64
	Metadata     json.RawMessage
}

// NewTaskLog builds a validated log entry for the given internal task id.
func NewTaskLog(taskID int64, level LogLevel, message string) (*TaskLog, error) {
	l := &TaskLog{
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Validate checks the log entry's field invariants.
func (l *TaskLog) Validate() error {
	if _, err := ParseLogLevel(string(l.Level)); err != nil {
		return err
	}
	if l.Message == "" {
		return fmt.Errorf("%w: log message is required", ErrValidation)
	}
	if len(l.Message) > MaxLogMessageLen {
		return fmt.Errorf("%w: log message exceeds %d characters", ErrValidation, MaxLogMessageLen)
	}
	if len(l.StepName) > MaxStepNameLen {
		return fmt.Errorf("%w: step name exceeds %d characters", ErrValidation, MaxStepNameLen)
	}
	if l.StepProgress != nil && (*l.StepProgress < 0 || *l.StepProgress > 100) {
		return fmt.Errorf("%w: step progress %.2f outside [0,100]", ErrValidation, *l.StepProgress)
	}
	if len(l.Metadata) > MaxMetadataBytes {
		return fmt.Errorf("%w: metadata exceeds %d bytes", ErrValidation, MaxMetadataBytes)
	}
	return nil
}
