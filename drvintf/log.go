package drvintf

import (
	"log"
	"os"
)

// level is a minimal log-level gate: stdlib log has no levels of its own,
// so ICD3_LOG_LEVEL filters which calls reach the underlying *log.Logger
// rather than pulling in a third-party leveled-logging package the rest of
// the retrieval pack never reaches for either.
type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
	levelNone
)

func parseLevel(s string) level {
	switch s {
	case "DEBUG":
		return levelDebug
	case "INFO":
		return levelInfo
	case "WARN":
		return levelWarn
	case "ERROR":
		return levelError
	case "NONE":
		return levelNone
	default:
		return levelInfo
	}
}

// logger wraps a *log.Logger with the ICD3_LOG_LEVEL gate.
type logger struct {
	out *log.Logger
	min level
}

func newLogger() *logger {
	return &logger{
		out: log.New(os.Stderr, "drvintf: ", log.LstdFlags),
		min: parseLevel(os.Getenv("ICD3_LOG_LEVEL")),
	}
}

func (l *logger) log(lv level, format string, args ...any) {
	if lv < l.min {
		return
	}
	l.out.Printf(format, args...)
}

func (l *logger) Debugf(format string, args ...any) { l.log(levelDebug, format, args...) }
func (l *logger) Infof(format string, args ...any)  { l.log(levelInfo, format, args...) }
func (l *logger) Warnf(format string, args ...any)  { l.log(levelWarn, format, args...) }
func (l *logger) Errorf(format string, args ...any) { l.log(levelError, format, args...) }

// Std returns the plain *log.Logger, for components (like trap.Handler)
// that want to log through the standard interface rather than this
// package's leveled wrapper.
func (l *logger) Std() *log.Logger { return l.out }
