package app

import (
	"context"
	"errors"
	"os"
	"syscall"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// SignalError is the cancel cause main sets when an OS signal arrives.
type SignalError struct{ Signal os.Signal }

func (e SignalError) Error() string { return "received " + e.Signal.String() }

// StopReasonFromContext maps a canceled context to a StopReason.
func StopReasonFromContext(ctx context.Context) StopReason {
	var se SignalError
	if !errors.As(context.Cause(ctx), &se) {
		if ctx.Err() != nil {
			return StopAppStop
		}
		return StopUnknown
	}
	switch se.Signal {
	case os.Interrupt:
		return StopSIGINT
	case syscall.SIGTERM:
		return StopSIGTERM
	}
	return StopUnknown
}
