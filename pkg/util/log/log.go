// Package log configures the process logger.
package log

import (
	"flag"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/weaveworks/common/logging"
)

var (
	// Logger is a shared go-kit logger.
	Logger = log.NewNopLogger()

	plogger *prometheusLogger
)

// Config selects the level and line format of the process logger.
type Config struct {
	Level  dslog.Level    `yaml:"level"`
	Format logging.Format `yaml:"format"`
}

// RegisterFlags registers -log.level and -log.format.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Level.RegisterFlags(f)
	cfg.Format.RegisterFlags(f)
}

// InitLogger initialises the global Logger to write to w. Lines passing the
// level filter are counted per level on reg.
func InitLogger(cfg Config, w io.Writer, reg prometheus.Registerer) log.Logger {
	plogger = newPrometheusLogger(cfg, w, reg)

	var l log.Logger = plogger
	if cfg.Level.Option != nil {
		l = level.NewFilter(l, cfg.Level.Option)
	}
	Logger = log.With(l, "ts", log.DefaultTimestampUTC)
	return Logger
}

// prometheusLogger exposes Prometheus counters for each of go-kit's log levels.
type prometheusLogger struct {
	baseLogger  log.Logger
	logMessages *prometheus.CounterVec
}

func newPrometheusLogger(cfg Config, w io.Writer, reg prometheus.Registerer) *prometheusLogger {
	var logger log.Logger
	if cfg.Format.String() == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}

	logMessages := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "docflow",
		Name:      "log_messages_total",
		Help:      "Total number of log messages.",
	}, []string{"level"})
	// Initialise counters for all supported levels.
	for _, l := range []level.Value{level.DebugValue(), level.InfoValue(), level.WarnValue(), level.ErrorValue()} {
		logMessages.WithLabelValues(l.String())
	}

	return &prometheusLogger{
		baseLogger:  logger,
		logMessages: logMessages,
	}
}

// Log increments the appropriate Prometheus counter depending on the log level.
func (pl *prometheusLogger) Log(kv ...interface{}) error {
	pl.baseLogger.Log(kv...)
	l := "unknown"
	for i := 1; i < len(kv); i += 2 {
		if v, ok := kv[i].(level.Value); ok {
			l = v.String()
			break
		}
	}
	pl.logMessages.WithLabelValues(l).Inc()
	return nil
}
