// Package logging builds the structured key/value logger every LoopCache
// component is constructed with. The go-kit/log + level pairing, and the
// rate-limited wrapper for hot error paths, follow cmd/tempo/main.go and
// pkg/util/log/rate_limited_logger_test.go in the teacher repo.
package logging

import (
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"
)

// New builds the base logger for a process: logfmt to stderr, filtered to
// minLevel ("debug", "info", "warn", or "error"; anything else defaults to
// info), with a timestamp and caller on every line.
func New(minLevel string) log.Logger {
	base := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	base = log.With(base, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return level.NewFilter(base, levelOption(minLevel))
}

func levelOption(minLevel string) level.Option {
	switch minLevel {
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

// RateLimited wraps logger so at most logsPerSecond calls to Log actually
// reach it per second (burst of 1); excess calls are silently dropped. It
// suits hot log sites such as per-connection protocol errors, which can
// otherwise flood output under adversarial or buggy clients; no log site in
// this repository wraps its logger with it.
func RateLimited(logger log.Logger, logsPerSecond int) *RateLimitedLogger {
	return &RateLimitedLogger{
		limiter: rate.NewLimiter(rate.Limit(logsPerSecond), 1),
		logger:  logger,
	}
}

type RateLimitedLogger struct {
	limiter *rate.Limiter
	logger  log.Logger
}

func (l *RateLimitedLogger) Log(keyvals ...interface{}) error {
	if !l.limiter.AllowN(time.Now(), 1) {
		return nil
	}
	return l.logger.Log(keyvals...)
}
