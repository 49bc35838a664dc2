package main

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cenkalti/log"
)

// debugEnabled is an atomic boolean for thread-safe debug toggle
var debugEnabled atomic.Bool

var (
	logHandler log.Handler
	logger     log.Logger
)

func init() {
	h := log.NewWriterHandler(os.Stderr)
	h.SetFormatter(logFormatter{})
	logHandler = h

	logger = log.NewLogger("tracker")
	logger.SetLevel(log.DEBUG) // forward all messages to handler
	logger.SetHandler(logHandler)
}

type logFormatter struct{}

// Format outputs a message like "2014-02-28 18:15:57 INFO     [tracker] reaped 3 leechers"
// Caller file and line are omitted: every record goes through the helpers below.
func (f logFormatter) Format(rec *log.Record) string {
	return fmt.Sprintf("%s %-8s [%s] %s",
		fmt.Sprint(rec.Time)[:19],
		rec.Level,
		rec.LoggerName,
		rec.Message)
}

// Hot path callers should check debugEnabled.Load() first
// to avoid expensive argument evaluation (e.g., HashID.String()).
func debug(format string, v ...any) {
	if debugEnabled.Load() {
		logger.Debugf(format, v...)
	}
}

func info(format string, v ...any) {
	logger.Infof(format, v...)
}

func warn(format string, v ...any) {
	logger.Warningf(format, v...)
}

func errorLog(format string, v ...any) {
	logger.Errorf(format, v...)
}
