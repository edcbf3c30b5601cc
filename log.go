package mailbox

import (
	"context"
	"log"
	"log/slog"

	"github.com/kyawmyohlaing/mailbox/messages"
)

// A Logger is the logging interface used by the mailbox system and the
// transports built on it.
//
// Trace is used for per-message routing events, most notably the silent
// drops that the delivery model calls for. It is meant to be off in
// production.
//
// Info is used for situations that are not problems: workers starting,
// transports registering, cluster address resolution progress.
//
// Warn is used for situations that are problematic but expected, and may
// resolve themselves: lost connections, messages addressed to workers this
// process does not have, handshake mismatches.
//
// Error is used for situations that will not resolve themselves: corrupt
// streams from a peer, payloads that can not be encoded, failed TLS
// handshakes. All Errors should be things that fire alarms.
//
// You can wrap a standard *log.Logger with WrapLogger, or a *slog.Logger
// with SlogLogger.
type Logger interface {
	Trace(interface{}, ...interface{})
	Info(interface{}, ...interface{})
	Warn(interface{}, ...interface{})
	Error(interface{}, ...interface{})
}

// WrapLogger takes a standard *log.Logger and returns a Logger that uses
// that logger.
func WrapLogger(l *log.Logger) Logger {
	return wrapLogger{l}
}

type wrapLogger struct {
	logger *log.Logger
}

func (wl wrapLogger) Trace(s interface{}, vals ...interface{}) {
	_ = wl.logger.Output(2, messages.Trace(s, vals...).String())
}

func (wl wrapLogger) Info(s interface{}, vals ...interface{}) {
	_ = wl.logger.Output(2, messages.Info(s, vals...).String())
}

func (wl wrapLogger) Warn(s interface{}, vals ...interface{}) {
	_ = wl.logger.Output(2, messages.Warn(s, vals...).String())
}

func (wl wrapLogger) Error(s interface{}, vals ...interface{}) {
	_ = wl.logger.Output(2, messages.Error(s, vals...).String())
}

// StdLogger is a Logger that will use the log.Print function from the
// standard logging package.
var StdLogger = stdLogger{}

type stdLogger struct{}

func (sl stdLogger) Trace(s interface{}, vals ...interface{}) {
	log.Print(messages.Trace(s, vals...))
}
func (sl stdLogger) Info(s interface{}, vals ...interface{}) {
	log.Print(messages.Info(s, vals...))
}
func (sl stdLogger) Warn(s interface{}, vals ...interface{}) {
	log.Print(messages.Warn(s, vals...))
}
func (sl stdLogger) Error(s interface{}, vals ...interface{}) {
	log.Print(messages.Error(s, vals...))
}

// SlogLogger adapts a *slog.Logger. Each line is emitted at the slog level
// matching its severity, with the subsystem name as the "name" attribute.
func SlogLogger(l *slog.Logger) Logger {
	return slogLogger{l}
}

type slogLogger struct {
	logger *slog.Logger
}

func (sl slogLogger) emit(lm *messages.LogMessage) {
	sl.logger.Log(context.Background(), lm.Level.Slog(), lm.Message.String(),
		slog.String("name", lm.Name))
}

func (sl slogLogger) Trace(s interface{}, vals ...interface{}) {
	sl.emit(messages.Trace(s, vals...))
}
func (sl slogLogger) Info(s interface{}, vals ...interface{}) {
	sl.emit(messages.Info(s, vals...))
}
func (sl slogLogger) Warn(s interface{}, vals ...interface{}) {
	sl.emit(messages.Warn(s, vals...))
}
func (sl slogLogger) Error(s interface{}, vals ...interface{}) {
	sl.emit(messages.Error(s, vals...))
}

// NullLogger implements Logger, and throws all logging messages away.
var NullLogger = nullLogger{}

type nullLogger struct{}

func (nl nullLogger) Trace(s interface{}, vals ...interface{}) {}
func (nl nullLogger) Info(s interface{}, vals ...interface{})  {}
func (nl nullLogger) Warn(s interface{}, vals ...interface{})  {}
func (nl nullLogger) Error(s interface{}, vals ...interface{}) {}

func resolveLog(l Logger) Logger {
	if l == nil {
		return StdLogger
	}
	return l
}

