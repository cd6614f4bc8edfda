package domain

import (
	"errors"
	"fmt"
)

// Run level codes.
const (
	CodeConfigValidation    = "CONFIG_VALIDATION_ERROR"
	CodeConnection          = "CONNECTION_ERROR"
	CodeExecution           = "EXECUTION_ERROR"
	CodeAborted             = "ABORTED"
	CodeUnknownProviderType = "UNKNOWN_PROVIDER_TYPE"
	CodeDriverUnavailable   = "DRIVER_UNAVAILABLE"
	CodeTimeout             = "TIMEOUT"
)

// Field level codes.
const (
	CodeMissingField        = "MISSING_FIELD"
	CodeMissingHost         = "MISSING_HOST"
	CodeInvalidPort         = "INVALID_PORT"
	CodeMissingDatabase     = "MISSING_DATABASE"
	CodeMissingUsername     = "MISSING_USERNAME"
	CodeMissingQueryOrTable = "MISSING_QUERY_OR_TABLE"
	CodeInvalidQuery        = "INVALID_QUERY"
	CodeInvalidIdentifier   = "INVALID_IDENTIFIER"
	CodeMissingFilePath     = "MISSING_FILE_PATH"
	CodeInvalidOption       = "INVALID_OPTION"
	CodeMissingScript       = "MISSING_SCRIPT"
	CodeInvalidScriptType   = "INVALID_SCRIPT_TYPE"
	CodeMissingFields       = "MISSING_FIELDS"
	CodeInvalidField        = "INVALID_FIELD"
	CodeInvalidRecordCount  = "INVALID_RECORD_COUNT"
	CodeMissingDriver       = "MISSING_DRIVER"
	CodeTypeMismatch        = "TYPE_MISMATCH"
)

var (
	ErrUnknownProviderType = errors.New("unknown provider type")
	ErrAlreadyRegistered   = errors.New("provider type already registered")
	ErrVersionNotFound     = errors.New("version not found")
	ErrDataSourceNotFound  = errors.New("data source not found")
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrUnsupported         = errors.New("capability not supported")
	ErrRunInProgress       = errors.New("run already in progress")
)

// Error is a coded failure carried up to the run boundary.
type Error struct {
	Code      string
	Message   string
	Details   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func ConnectionError(message string, err error) *Error {
	return &Error{Code: CodeConnection, Message: message, Retryable: true, Err: err}
}

func ExecutionFailure(message string, err error) *Error {
	return &Error{Code: CodeExecution, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsExecutionError converts err into the result-facing error shape.
func AsExecutionError(err error, fallbackCode string) *ExecutionError {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		details := e.Details
		if details == "" && e.Err != nil {
			details = e.Err.Error()
		}
		return &ExecutionError{Code: e.Code, Message: e.Message, Details: details}
	}
	return &ExecutionError{Code: fallbackCode, Message: err.Error()}
}
