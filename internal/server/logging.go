package server

import (
	"log"
	"net/http"
	"time"

	"github.com/r44vc0rp/serverbox/internal/config"
)

// levelLogger wraps a *log.Logger with debug|info|warn|error gating, so
// SERVERBOX_LOG_LEVEL controls what actually gets written without every
// call site needing to check it itself.
type levelLogger struct {
	*log.Logger
	level config.LogLevel
}

var logLevelRank = map[config.LogLevel]int{
	config.LogDebug: 0,
	config.LogInfo:  1,
	config.LogWarn:  2,
	config.LogError: 3,
}

func newLevelLogger(base *log.Logger, level config.LogLevel) *levelLogger {
	if base == nil {
		base = log.Default()
	}
	return &levelLogger{Logger: base, level: level}
}

func (l *levelLogger) enabled(level config.LogLevel) bool {
	return logLevelRank[level] >= logLevelRank[l.level]
}

func (l *levelLogger) Debugf(format string, args ...any) { l.logf(config.LogDebug, format, args...) }
func (l *levelLogger) Infof(format string, args ...any)  { l.logf(config.LogInfo, format, args...) }
func (l *levelLogger) Warnf(format string, args ...any)  { l.logf(config.LogWarn, format, args...) }
func (l *levelLogger) Errorf(format string, args ...any) { l.logf(config.LogError, format, args...) }

func (l *levelLogger) logf(level config.LogLevel, format string, args ...any) {
	if !l.enabled(level) {
		return
	}
	l.Printf("["+string(level)+"] "+format, args...)
}

// requestLogMiddleware emits one debug-level line per request (method,
// path, status, duration) when RequestLogsEnabled is set; otherwise it is
// a no-op passthrough so normal operation pays nothing for it.
func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	if !s.cfg.RequestLogsEnabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}
