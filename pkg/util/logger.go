package util

import (
	"flag"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"
)

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"logfmt", "json"}
)

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (cfg *LogConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Level, "log.level", "info", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	f.StringVar(&cfg.Format, "log.format", "logfmt", "Output log messages in the given format. Valid formats: [logfmt, json]")
}

func (cfg *LogConfig) Validate() error {
	if !lo.Contains(logLevels, cfg.Level) {
		return fmt.Errorf("unsupported log level %q", cfg.Level)
	}
	if !lo.Contains(logFormats, cfg.Format) {
		return fmt.Errorf("unsupported log format %q", cfg.Format)
	}
	return nil
}

// NewLogger creates the process logger writing to w.
func NewLogger(cfg LogConfig, w io.Writer) log.Logger {
	var logger log.Logger
	if cfg.Format == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	logger = level.NewFilter(logger, levelFilter(cfg.Level))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func levelFilter(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "info":
		return level.AllowInfo()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowAll()
	}
}
