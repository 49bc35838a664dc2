package main

import (
	"errors"
	"sync/atomic"
)

// Status is the tracker lifecycle state.
type Status int32

const (
	StatusOpen Status = iota
	StatusPaused
	StatusClosing
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusPaused:
		return "paused"
	case StatusClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ShutdownResult tells the caller how to react to a shutdown request.
type ShutdownResult int

const (
	ShutdownGraceful ShutdownResult = iota // first request: stop accepting, drain
	ShutdownForced                         // second request: terminate now
	ShutdownIgnored                        // request arrived during a reload
)

func (r ShutdownResult) String() string {
	switch r {
	case ShutdownGraceful:
		return "graceful close requested"
	case ShutdownForced:
		return "forced shutdown"
	default:
		return "ignored"
	}
}

var (
	errReloadInProgress = errors.New("reload already in progress")
	errTrackerClosing   = errors.New("tracker is closing")
)

// lifecycle is the OPEN/PAUSED/CLOSING state machine. CLOSING is terminal.
type lifecycle struct {
	status atomic.Int32
}

func (l *lifecycle) Status() Status {
	return Status(l.status.Load())
}

// Shutdown advances OPEN -> CLOSING. A second call while CLOSING asks for
// forced termination; calls while PAUSED are ignored since a reload always
// returns to OPEN.
func (l *lifecycle) Shutdown() ShutdownResult {
	if l.status.CompareAndSwap(int32(StatusOpen), int32(StatusClosing)) {
		info("closing tracker... press Ctrl-C again to terminate")
		return ShutdownGraceful
	}
	switch l.Status() {
	case StatusClosing:
		warn("shutting down uncleanly")
		return ShutdownForced
	default:
		warn("shutdown requested during reload, ignoring")
		return ShutdownIgnored
	}
}

func (l *lifecycle) beginReload() error {
	if l.status.CompareAndSwap(int32(StatusOpen), int32(StatusPaused)) {
		return nil
	}
	if l.Status() == StatusClosing {
		return errTrackerClosing
	}
	return errReloadInProgress
}

func (l *lifecycle) endReload() {
	l.status.CompareAndSwap(int32(StatusPaused), int32(StatusOpen))
}
