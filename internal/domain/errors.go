package domain

import (
	"context"
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindRejectedAdmission
	KindConfiguration
	KindInvalid
	KindIO
	KindEngine
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindRejectedAdmission:
		return "rejected"
	case KindConfiguration:
		return "configuration"
	case KindInvalid:
		return "invalid"
	case KindIO:
		return "io"
	case KindEngine:
		return "engine"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

var (
	ErrAlreadyActive   = errors.New("backup already active")
	ErrDDLRejected     = errors.New("DDL temporarily disabled, backup in progress, retry later")
	ErrTableExists     = errors.New("table already exists")
	ErrTableNotFound   = errors.New("table not found")
	ErrTriggerExists   = errors.New("trigger already exists")
	ErrTriggerNotFound = errors.New("trigger not found")
	ErrInterrupted     = errors.New("backup interrupted")
)

type Error struct {
	Kind  ErrorKind
	Op    string
	Table string
	Err   error
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Table != "" {
		msg += " " + e.Table
	}
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code is the numeric code shown to the caller of an admin command.
func (e *Error) Code() int {
	switch e.Kind {
	case KindRejectedAdmission:
		return 1205
	case KindConfiguration, KindInvalid:
		return 1210
	case KindCancelled:
		return 1317
	default:
		return 1030
	}
}

func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// check interfaces
var (
	_ error = (*Error)(nil)
)
