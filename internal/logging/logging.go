// Package logging builds the structured logger shared by every component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

// New returns a leveled key/value logger writing to w (stdout when nil). Every
// line carries a UTC timestamp and the caller location.
func New(w io.Writer, format, minLevel string) log.Logger {
	if w == nil {
		w = os.Stdout
	}
	sw := log.NewSyncWriter(w)

	var logger log.Logger
	if strings.EqualFold(format, FormatJSON) {
		logger = log.NewJSONLogger(sw)
	} else {
		logger = log.NewLogfmtLogger(sw)
	}
	logger = level.NewFilter(logger, allow(minLevel))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// Component tags every line from logger with the component name.
func Component(logger log.Logger, name string) log.Logger {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return log.With(logger, "component", name)
}

func allow(minLevel string) level.Option {
	switch strings.ToLower(strings.TrimSpace(minLevel)) {
	case "debug":
		return level.AllowDebug()
	case "warn", "warning":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	case "none", "off":
		return level.AllowNone()
	default:
		return level.AllowInfo()
	}
}
