package propar

import "fmt"

// StatusCode is a PROPAR status as carried in a Status (command 0x00)
// message. Values outside the named set are passed through opaquely.
type StatusCode byte

const (
	StatusOK                StatusCode = 0
	StatusProcessClaimed    StatusCode = 1
	StatusCommand           StatusCode = 2
	StatusProcNumber        StatusCode = 3
	StatusParmNumber        StatusCode = 4
	StatusParmType          StatusCode = 5
	StatusParmValue         StatusCode = 6
	StatusNetworkNotActive  StatusCode = 7
	StatusTimeoutStartChar  StatusCode = 8
	StatusTimeoutSerialLine StatusCode = 9
	StatusTimeoutAnswer     StatusCode = 25
)

var statusNames = map[StatusCode]string{
	StatusOK:                "ok",
	StatusProcessClaimed:    "process claimed",
	StatusCommand:           "command error",
	StatusProcNumber:        "process number error",
	StatusParmNumber:        "parameter number error",
	StatusParmType:          "parameter type error",
	StatusParmValue:         "parameter value error",
	StatusNetworkNotActive:  "network not active",
	StatusTimeoutStartChar:  "timeout start character",
	StatusTimeoutSerialLine: "timeout serial line",
	StatusTimeoutAnswer:     "timeout answer",
}

func (s StatusCode) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status %d", byte(s))
}

// Status is the decoded body of a Status message: the status code and the
// byte position in the offending request the code refers to.
type Status struct {
	Code     StatusCode
	Position byte
}

// OK reports whether the status indicates success.
func (s Status) OK() bool {
	return s.Code == StatusOK
}

// Err converts a non-OK status into a StatusError; it returns nil for OK.
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusError wraps a non-zero PROPAR status as a Go error.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("propar status: %s (position %d)", e.Status.Code, e.Status.Position)
}

// Fatal reports whether the status marks a request the instrument will
// never accept, as opposed to a transient bus condition.
func (e *StatusError) Fatal() bool {
	switch e.Status.Code {
	case StatusCommand, StatusProcNumber, StatusParmNumber, StatusParmType, StatusParmValue:
		return true
	default:
		return false
	}
}
