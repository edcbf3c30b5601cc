// Package messages provides log message objects that work with both
// string loggers and structured loggers handed to the mailbox system.
package messages

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

const name = "mailbox"

// Level is the base type for log message levels.
type Level int

// String returns the Level's string presentation.
func (l Level) String() string {
	if l >= 0 && int(l) < len(logLevels) {
		return logLevels[l]
	}

	return "UNKNOWN"
}

// MarshalJSON returns a byte slice of the Level's string representation.
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", l)), nil
}

// Slog maps the Level onto log/slog. Trace sits below slog's Debug.
func (l Level) Slog() slog.Level {
	switch l {
	case LevelTrace:
		return slog.LevelDebug - 4
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogMessage is a single log line, usable as a fmt.Stringer or as JSON.
type LogMessage struct {
	// Name is the message's namespace, defaulted to "mailbox".
	Name string `json:"name,omitempty"`
	// Level is the log message's log level.
	Level Level `json:"level"`
	// Message is the message's payload.
	Message fmt.Stringer `json:"message"`
}

func (lm *LogMessage) String() string {
	var n string

	if lm.Name != "" {
		n = lm.Name + ": "
	}

	return fmt.Sprintf("[%s] %s%s", lm.Level, n, lm.Message)
}

var (
	LevelTrace = liota("TRACE")
	LevelInfo  = liota("INFO")
	LevelWarn  = liota("WARN")
	LevelError = liota("ERROR")

	logLevels []string

	_ fmt.Stringer   = (*Level)(nil)
	_ json.Marshaler = (*Level)(nil)
	_ fmt.Stringer   = (*LogMessage)(nil)
)

// liota is the Level equivalent of iota.
func liota(s string) Level {
	logLevels = append(logLevels, s)
	return Level(len(logLevels) - 1)
}

// ParseLevel returns the Level with the given name. Unknown names give
// LevelInfo and false.
func ParseLevel(s string) (Level, bool) {
	for i, l := range logLevels {
		if l == s {
			return Level(i), true
		}
	}
	switch s {
	case "trace", "debug", "DEBUG":
		return LevelTrace, true
	case "info":
		return LevelInfo, true
	case "warn", "warning", "WARNING":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// stringerify can be used to make a string implement fmt.Stringer.
type stringerify string

func (s stringerify) String() string {
	return string(s)
}

// MarshalJSON keeps the payload a plain JSON string.
func (s stringerify) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// New returns a LogMessage of the given level. If vals are given, m is
// used as a format string.
func New(l Level, m interface{}, vals ...interface{}) *LogMessage {
	lm := &LogMessage{Name: name, Level: l}

	if len(vals) > 0 {
		lm.Message = stringerify(fmt.Sprintf(fmt.Sprintf("%v", m), vals...))
		return lm
	}

	switch msg := m.(type) {
	case string:
		lm.Message = stringerify(msg)
	case fmt.Stringer:
		lm.Message = msg
	case error:
		lm.Message = stringerify(msg.Error())
	default:
		lm.Message = stringerify(fmt.Sprintf("%v", msg))
	}

	return lm
}

// Trace returns a LogMessage of severity TRACE.
func Trace(m interface{}, vals ...interface{}) *LogMessage {
	return New(LevelTrace, m, vals...)
}

// Info returns a LogMessage of severity INFO.
func Info(m interface{}, vals ...interface{}) *LogMessage {
	return New(LevelInfo, m, vals...)
}

// Warn returns a LogMessage of severity WARN.
func Warn(m interface{}, vals ...interface{}) *LogMessage {
	return New(LevelWarn, m, vals...)
}

// Error returns a LogMessage of severity ERROR.
func Error(m interface{}, vals ...interface{}) *LogMessage {
	return New(LevelError, m, vals...)
}
