// Package log provides the leveled, key-value logger used by every
// component in the tunnel service.
package log

import (
	"os"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Logger is the structured logger handed to every component
// constructor. It is a thin alias over go-kit's logger so call sites
// can use the level helpers directly.
type Logger = kitlog.Logger

// New returns a logger that writes logfmt lines to stderr, annotated
// with a timestamp and the calling component's name.
func New(component string) Logger {
	base := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	base = kitlog.With(base, "ts", kitlog.TimestampFormat(time.Now, time.RFC3339), "component", component)
	return base
}

// With attaches additional key-value context to an existing logger.
func With(l Logger, keyvals ...interface{}) Logger {
	return kitlog.With(l, keyvals...)
}

// Info, Warn and Error forward to go-kit's level helpers so callers
// don't need to import log/level directly.
func Info(l Logger, keyvals ...interface{})  { level.Info(l).Log(keyvals...) }
func Warn(l Logger, keyvals ...interface{})  { level.Warn(l).Log(keyvals...) }
func Error(l Logger, keyvals ...interface{}) { level.Error(l).Log(keyvals...) }
func Debug(l Logger, keyvals ...interface{}) { level.Debug(l).Log(keyvals...) }
