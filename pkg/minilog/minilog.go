// Package minilog extends Go's logging functionality to allow for multiple
// loggers, each one with their own logging level. Call AddLogger to set up
// each desired logger, then use the package-level logging functions to send
// messages to all of them.
package minilog

import (
	"fmt"
	golog "log"
	"os"
	"sync"
)

// Log levels supported: DEBUG -> INFO -> WARN -> ERROR -> FATAL
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "FATAL"
	}
}

var (
	loggers = make(map[string]*minilogger)
	logLock sync.RWMutex
)

type logger interface {
	Println(...interface{})
}

type minilogger struct {
	logger
	Level Level
}

func (l *minilogger) log(level Level, name, format string, arg ...interface{}) {
	msg := prologue(level, name) + fmt.Sprintf(format, arg...)
	l.Println(msg)
}

func (l *minilogger) logln(level Level, name string, arg ...interface{}) {
	msg := prologue(level, name) + fmt.Sprint(arg...)
	l.Println(msg)
}

func prologue(level Level, name string) string {
	if name == "" {
		return level.String() + " "
	}
	return level.String() + " " + name + ": "
}

// AddLogger adds a named logger that only emits events at level or higher.
func AddLogger(name string, output *os.File, level Level) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = &minilogger{golog.New(output, "", golog.LstdFlags), level}
}

// DelLogger removes a named logger added with AddLogger.
func DelLogger(name string) {
	logLock.Lock()
	defer logLock.Unlock()

	delete(loggers, name)
}

// SetLevel changes the level for a named logger.
func SetLevel(name string, level Level) error {
	logLock.Lock()
	defer logLock.Unlock()

	if loggers[name] == nil {
		return fmt.Errorf("no such logger: %v", name)
	}
	loggers[name].Level = level
	return nil
}

// WillLog reports whether logging at level would reach any logger. Useful
// when the message itself is expensive to build.
func WillLog(level Level) bool {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, l := range loggers {
		if l.Level <= level {
			return true
		}
	}
	return false
}

func log(level Level, name, format string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, l := range loggers {
		if l.Level <= level {
			l.log(level, name, format, arg...)
		}
	}
}

func logln(level Level, name string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, l := range loggers {
		if l.Level <= level {
			l.logln(level, name, arg...)
		}
	}
}

func Debug(format string, arg ...interface{}) { log(DEBUG, "", format, arg...) }
func Info(format string, arg ...interface{})  { log(INFO, "", format, arg...) }
func Warn(format string, arg ...interface{})  { log(WARN, "", format, arg...) }
func Error(format string, arg ...interface{}) { log(ERROR, "", format, arg...) }

func Debugln(arg ...interface{}) { logln(DEBUG, "", arg...) }
func Infoln(arg ...interface{})  { logln(INFO, "", arg...) }
func Warnln(arg ...interface{})  { logln(WARN, "", arg...) }
func Errorln(arg ...interface{}) { logln(ERROR, "", arg...) }

// Fatal logs at FATAL on every logger and exits the process.
func Fatal(format string, arg ...interface{}) {
	log(FATAL, "", format, arg...)
	os.Exit(1)
}

// LevelFromString parses a log level name, useful for flag parsing.
func LevelFromString(l string) (Level, error) {
	switch l {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	}
	return -1, fmt.Errorf("invalid log level: %v", l)
}
