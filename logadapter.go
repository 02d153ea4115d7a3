package taskpool

import (
	"github.com/joeycumines/logiface"
)

// LogifaceAdapter bridges this package's Logger interface to a
// github.com/joeycumines/logiface Logger, so any logiface-compatible
// backend (zerolog, logrus, stumpy, ...) can receive the runtime's
// structured events without this package depending on any one of them
// directly.
type LogifaceAdapter[E logiface.Event] struct {
	logger *logiface.Logger[E]
}

// NewLogifaceAdapter wraps an already-configured logiface Logger as a
// taskpool Logger.
func NewLogifaceAdapter[E logiface.Event](logger *logiface.Logger[E]) *LogifaceAdapter[E] {
	return &LogifaceAdapter[E]{logger: logger}
}

func toLogifaceLevel(level LogLevel) logiface.Level {
	switch level {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelInfo:
		return logiface.LevelInformational
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

// IsEnabled reports whether the wrapped logiface.Logger's configured
// threshold admits the given level.
func (a *LogifaceAdapter[E]) IsEnabled(level LogLevel) bool {
	if a == nil || a.logger == nil {
		return false
	}
	return toLogifaceLevel(level) <= a.logger.Level()
}

// Log translates a LogEntry into a logiface builder call and emits it.
func (a *LogifaceAdapter[E]) Log(entry LogEntry) {
	if a == nil || a.logger == nil {
		return
	}
	b := a.logger.Build(toLogifaceLevel(entry.Level))
	if b == nil {
		return
	}
	b = b.Str("category", entry.Category).
		Uint64("pool_id", entry.PoolID).
		Int("worker_id", entry.WorkerID).
		Uint64("task_id", entry.TaskID)
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	for k, v := range entry.Context {
		b = b.Any(k, v)
	}
	b.Log(entry.Message)
}
