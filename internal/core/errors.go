package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies delegation failures by how they are recovered.
type ErrorKind string

const (
	// KindConfiguration is a missing or invalid setting; fatal before polling.
	KindConfiguration ErrorKind = "configuration"
	// KindRemoteFetch is a failure listing candidate tasks; the cycle is empty.
	KindRemoteFetch ErrorKind = "remote_fetch"
	// KindRemoteUpdate is a failed claim or rollback; the task is abandoned
	// for this cycle.
	KindRemoteUpdate ErrorKind = "remote_update"
	// KindSpawn is an execution that could not start; the claim is rolled back.
	KindSpawn ErrorKind = "spawn"
	// KindParse is a malformed task; only that task is skipped.
	KindParse ErrorKind = "parse"
)

// Sentinels usable with errors.Is against any DelegationError of that kind.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrRemoteFetch   = errors.New("remote fetch error")
	ErrRemoteUpdate  = errors.New("remote update error")
	ErrSpawn         = errors.New("spawn error")
	ErrParse         = errors.New("parse error")
)

var sentinelByKind = map[ErrorKind]error{
	KindConfiguration: ErrConfiguration,
	KindRemoteFetch:   ErrRemoteFetch,
	KindRemoteUpdate:  ErrRemoteUpdate,
	KindSpawn:         ErrSpawn,
	KindParse:         ErrParse,
}

// DelegationError carries the kind of failure and the task and dispatch it
// relates to.
type DelegationError struct {
	Kind       ErrorKind
	TaskID     string
	DispatchID string
	Err        error
}

func (e *DelegationError) Error() string {
	msg := string(e.Kind) + " error"
	if e.TaskID != "" {
		msg += fmt.Sprintf(" (task %s", e.TaskID)
		if e.DispatchID != "" {
			msg += ", dispatch " + e.DispatchID
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DelegationError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *DelegationError) Is(target error) bool {
	return sentinelByKind[e.Kind] == target
}

func newError(kind ErrorKind, taskID, dispatchID string, err error) *DelegationError {
	return &DelegationError{Kind: kind, TaskID: taskID, DispatchID: dispatchID, Err: err}
}

// NewConfigurationError wraps err as a configuration failure.
func NewConfigurationError(err error) error {
	return newError(KindConfiguration, "", "", err)
}

// KindOf returns the kind of the first DelegationError in err's chain, or
// the empty kind.
func KindOf(err error) ErrorKind {
	var de *DelegationError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// ErrStatusConflict is returned by a ConditionalStatusSink when the task is
// no longer in an expected status.
var ErrStatusConflict = errors.New("task status changed concurrently")
