// Package logging builds the go-kit structured logger shared by every component.
package logging

import (
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/zoff-tech/payload-gateway/pkg/config"
)

// New returns a leveled logger writing to stderr.
func New(cfg config.LogSettings) log.Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter returns a leveled logger writing logfmt or JSON records to w.
func NewWithWriter(w io.Writer, cfg config.LogSettings) log.Logger {
	var logger log.Logger
	if cfg.Format == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	logger = level.NewFilter(logger, levelOption(cfg.Level))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// Component tags every record from logger with the component name.
func Component(logger log.Logger, name string) log.Logger {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return log.With(logger, "component", name)
}

func levelOption(lvl string) level.Option {
	switch lvl {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
