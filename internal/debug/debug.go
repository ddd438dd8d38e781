package debug

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (plan summary, run result)
	LevelLive    = 2 // Live info (moves, shots, state changes)
	LevelVerbose = 3 // Verbose (config, convergence samples)
	LevelTrace   = 4 // Trace (GPIO, very low level)
)

var (
	level  int
	logger = newLogger(os.Stdout)
)

func newLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	l.SetLevel(logrus.PanicLevel)
	return l
}

// Init sets the debug level (0-4).
// 0 = no output
// 1 = important info (plan, run result)
// 2 = live info (moves, shots, state changes)
// 3 = verbose (config details, convergence samples)
// 4 = trace (GPIO, very low level)
func Init(debugLevel int) {
	level = debugLevel
	switch {
	case level >= LevelTrace:
		logger.SetLevel(logrus.TraceLevel)
	case level >= LevelVerbose:
		logger.SetLevel(logrus.DebugLevel)
	case level >= LevelInfo:
		logger.SetLevel(logrus.InfoLevel)
	default:
		logger.SetLevel(logrus.PanicLevel)
	}
}

// SetOutput redirects all debug output (e.g. to stdout plus the SSE broadcaster).
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// Logger exposes the underlying logrus logger, for middleware.
func Logger() *logrus.Logger {
	return logger
}

// With returns a structured entry. It honours the level set by Init.
func With(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// Level returns the current debug level.
func Level() int {
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return level >= minLevel
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if level >= LevelInfo {
		logger.Infof(format, args...)
	}
}

// Warn prints a level 1 warning.
func Warn(format string, args ...interface{}) {
	if level >= LevelInfo {
		logger.Warnf(format, args...)
	}
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	if level >= LevelInfo {
		logger.Info("═══════════════════════════════════════")
		logger.Infof("  %s", title)
		logger.Info("═══════════════════════════════════════")
	}
}

// Value prints a named value (level 1).
func Value(name string, value interface{}) {
	if level >= LevelInfo {
		logger.Infof("  %s = %v", name, value)
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if level >= LevelLive {
		logger.WithField("cat", "live").Infof(format, args...)
	}
}

// Move prints an actuator movement (level 2).
func Move(axis string, steps int, direction string) {
	if level >= LevelLive {
		logger.WithField("cat", "live").Infof("Motor %s: %d steps (%s)", axis, steps, direction)
	}
}

// Shot prints a photo capture (level 2).
func Shot(index int, value float64, artifact string) {
	if level >= LevelLive {
		logger.WithField("cat", "live").Infof("Photo taken for item %d at %.4f (artifact %s)", index, value, artifact)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if level >= LevelVerbose {
		logger.Debugf(format, args...)
	}
}

// Printf is an alias for Verbose.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if level >= LevelVerbose {
		logger.Debugf("%s: %+v", name, v)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if level >= LevelVerbose {
		logger.Debug("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		logger.Debugf("  %s", name)
		logger.Debug("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if level >= LevelVerbose {
		logger.Debugf("Step %d: %s", num, description)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	if level >= LevelTrace {
		logger.Tracef(format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if level >= LevelTrace {
		logger.WithFields(logrus.Fields{"pin": pin, "value": value}).Tracef("GPIO %s", operation)
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if level >= LevelInfo {
		logger.Error(err)
	}
}

// Fmt returns a formatted string only if debug is enabled.
func Fmt(format string, args ...interface{}) string {
	if level > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
