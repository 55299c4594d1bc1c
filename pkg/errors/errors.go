package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeUnauthorizedCaller Code = "UNAUTHORIZED_CALLER"
	CodeInvalidToken       Code = "INVALID_TOKEN"
	CodeInvalidTokenState  Code = "INVALID_TOKEN_STATE"
	CodeUnknownOperation   Code = "UNKNOWN_OPERATION"
	CodeDownstream         Code = "DOWNSTREAM_FAILURE"
	CodeChallengeMismatch  Code = "CHALLENGE_MISMATCH"
	CodeTaskNotCancelable  Code = "TASK_NOT_CANCELABLE"
	CodeStateConflict      Code = "STATE_CONFLICT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Metadata describes how a code surfaces to callers and whether the
// failure ends the task it occurred in.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	Terminal       bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		HTTPStatus:     http.StatusBadRequest,
		Terminal:       true,
		PublicMessage:  "validation failed",
		DetailsAllowed: true,
	},
	CodeUnauthorizedCaller: {
		HTTPStatus:    http.StatusForbidden,
		Terminal:      true,
		PublicMessage: "caller not authorized",
	},
	CodeInvalidToken: {
		HTTPStatus:    http.StatusUnauthorized,
		Terminal:      true,
		PublicMessage: "invalid token",
	},
	CodeInvalidTokenState: {
		HTTPStatus:    http.StatusConflict,
		Terminal:      true,
		PublicMessage: "token already bound",
	},
	CodeUnknownOperation: {
		HTTPStatus:    http.StatusBadRequest,
		Terminal:      true,
		PublicMessage: "unknown operation",
	},
	CodeDownstream: {
		HTTPStatus:     http.StatusBadGateway,
		Retryable:      true,
		Terminal:       true,
		PublicMessage:  "downstream unavailable",
		DetailsAllowed: true,
	},
	CodeChallengeMismatch: {
		HTTPStatus:    http.StatusOK,
		Retryable:     true,
		PublicMessage: "challenge response incorrect",
	},
	CodeTaskNotCancelable: {
		HTTPStatus:    http.StatusConflict,
		PublicMessage: "task not cancelable",
	},
	CodeStateConflict: {
		HTTPStatus:     http.StatusUnprocessableEntity,
		PublicMessage:  "state transition disallowed",
		DetailsAllowed: true,
	},
	CodeNotFound: {
		HTTPStatus:    http.StatusNotFound,
		Terminal:      true,
		PublicMessage: "resource not found",
	},
	CodeInternal: {
		HTTPStatus:    http.StatusInternalServerError,
		Retryable:     true,
		Terminal:      true,
		PublicMessage: "internal server error",
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code carried by err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

// Is reports whether the outermost *Error in err's chain carries code. A
// cause wrapped under a different code does not match, so Wrap re-classifies.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Reason renders the human-readable text attached to failed tasks.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if typed := As(err); typed != nil {
		if typed.Code() == CodeDownstream {
			return "downstream unavailable: " + typed.Message()
		}
		return typed.Message()
	}
	return err.Error()
}
