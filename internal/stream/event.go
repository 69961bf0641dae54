package stream

import (
	"fmt"
	"time"
)

// Level is the severity of a progress event.
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelSuccess Level = "SUCCESS"
	LevelWarn    Level = "WARN"
	LevelError   Level = "ERROR"
)

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelSuccess, LevelWarn, LevelError:
		return true
	}
	return false
}

// Event is one progress entry of a run. Order within a run is significant.
type Event struct {
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`

	// Address is set on the deploy success event only. The message still
	// carries the "URL: <address>" text for older consumers.
	Address string `json:"address,omitempty"`
	// Granted is the capability key of a permission grant event.
	Granted string `json:"granted,omitempty"`
}

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

func newEvent(level Level, format string, args ...any) Event {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return Event{Level: level, Message: msg, Timestamp: now()}
}

func Info(format string, args ...any) Event    { return newEvent(LevelInfo, format, args...) }
func Success(format string, args ...any) Event { return newEvent(LevelSuccess, format, args...) }
func Warn(format string, args ...any) Event    { return newEvent(LevelWarn, format, args...) }
func Error(format string, args ...any) Event   { return newEvent(LevelError, format, args...) }

// Granted builds the event emitted when a capability has been granted.
func Granted(key string) Event {
	e := newEvent(LevelSuccess, "granted: %s", key)
	e.Granted = key
	return e
}

// HasError reports whether any event is at ERROR level.
func HasError(events []Event) bool {
	for _, e := range events {
		if e.Level == LevelError {
			return true
		}
	}
	return false
}

// String renders the event in the log line format used for oracle prompts.
func (e Event) String() string {
	return fmt.Sprintf("[%s] [%s] %s", e.Timestamp.Format(time.RFC3339Nano), e.Level, e.Message)
}

// Emitter receives batches of events from a producer.
type Emitter func(events ...Event)

// Discard is an Emitter that drops everything.
func Discard(...Event) {}
