// Package log provides the process-wide structured logger.
package log

import (
	"sync"
)

// Logger is the logging facade used throughout bluetap. The concrete
// implementation is a logrus adapter configured from the log section of the
// configuration file.
type Logger interface {
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithError(err error) Logger

	IsDebugEnabled() bool
}

var (
	mu     sync.Mutex
	logger Logger
)

// GetLogger returns the global logger. Before Init has been called it returns
// a logger built from DefaultConfig, so library code and tests can log without
// any setup.
func GetLogger() Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = newLogrusAdapter(DefaultConfig())
	}
	return logger
}

// Init replaces the global logger with one built from cfg. Later calls win;
// the CLI calls this exactly once after loading the configuration.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogrusAdapter(cfg)
}
