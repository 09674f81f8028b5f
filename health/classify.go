// Package health classifies communication failures and keeps the
// per-address accounting that drives quarantine and recovery decisions.
//
// The substring classifier exists only to wrap third-party I/O errors whose
// concrete types are opaque; FlowControl's own errors carry typed sentinels
// and are matched before their text is.
package health

import (
	"errors"
	"strings"
	"time"

	"github.com/ArJKloek/FlowControl/master"
	"github.com/ArJKloek/FlowControl/propar"
)

// ErrorClass buckets a communication failure by its likely cause.
type ErrorClass int

const (
	ClassOther ErrorClass = iota
	ClassBadFileDescriptor
	ClassPortClosed
	ClassSerialConnectionLost
	ClassDeviceDisconnected
	ClassTimeout
	ClassParseError
	ClassPermissionDenied
)

func (c ErrorClass) String() string {
	switch c {
	case ClassBadFileDescriptor:
		return "bad_file_descriptor"
	case ClassPortClosed:
		return "port_closed"
	case ClassSerialConnectionLost:
		return "serial_connection_lost"
	case ClassDeviceDisconnected:
		return "device_disconnected"
	case ClassTimeout:
		return "timeout"
	case ClassParseError:
		return "parse_error"
	case ClassPermissionDenied:
		return "permission_denied"
	default:
		return "other"
	}
}

// classPatterns maps substrings to a class. Order matters: the first match
// wins, so more specific patterns come first.
var classPatterns = []struct {
	class    ErrorClass
	patterns []string
}{
	{ClassBadFileDescriptor, []string{"bad file descriptor", "errno 9", "write failed", "read failed"}},
	{ClassPortClosed, []string{"port is closed", "file descriptor is none", "port that is not open"}},
	{ClassSerialConnectionLost, []string{"serial connection lost", "connection lost"}},
	{ClassDeviceDisconnected, []string{"device disconnected", "device not configured", "no such device", "no such file or directory"}},
	{ClassTimeout, []string{"timeout"}},
	{ClassParseError, []string{"list index out of range", "index out of range", "unpack requires", "struct.error", "malformed", "truncated"}},
	{ClassPermissionDenied, []string{"permission denied"}},
}

// Classify buckets err. FlowControl's typed timeout and parse errors are
// matched first; anything else is matched by substring on its lowercased
// message. A nil error classifies as ClassOther.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}

	switch {
	case errors.Is(err, master.ErrTimeoutAnswer):
		return ClassTimeout
	case errors.Is(err, propar.ErrMalformedMessage), errors.Is(err, propar.ErrTruncatedValue):
		return ClassParseError
	}

	msg := strings.ToLower(err.Error())
	for _, cp := range classPatterns {
		for _, p := range cp.patterns {
			if strings.Contains(msg, p) {
				return cp.class
			}
		}
	}

	return ClassOther
}

// RecoveryDelay returns how long to back off before attempting recovery
// from a failure of the given class.
func RecoveryDelay(class ErrorClass) time.Duration {
	switch class {
	case ClassBadFileDescriptor, ClassDeviceDisconnected:
		return time.Second
	case ClassPortClosed, ClassSerialConnectionLost:
		return 500 * time.Millisecond
	case ClassTimeout:
		return 100 * time.Millisecond
	default:
		return 50 * time.Millisecond
	}
}
