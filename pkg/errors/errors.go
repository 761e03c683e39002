package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a unique error code for categorizing errors
type ErrorCode string

const (
	// Validation errors (1xxx)
	ErrCodeValidationFailed  ErrorCode = "SPLE1001"
	ErrCodeInvalidExtension  ErrorCode = "SPLE1002"
	ErrCodeInvalidMimetype   ErrorCode = "SPLE1003"
	ErrCodeRejectedExtension ErrorCode = "SPLE1004"
	ErrCodeInvalidInput      ErrorCode = "SPLE1005"

	// Concurrency and permission errors (2xxx)
	ErrCodeResourceBusy  ErrorCode = "SPLE2001"
	ErrCodeNotAuthorized ErrorCode = "SPLE2002"
	ErrCodeMutexRequired ErrorCode = "SPLE2003"

	// Lookup errors (3xxx)
	ErrCodeNotFound        ErrorCode = "SPLE3001"
	ErrCodeProjectNotFound ErrorCode = "SPLE3002"
	ErrCodeCommitNotFound  ErrorCode = "SPLE3003"
	ErrCodeBlobNotFound    ErrorCode = "SPLE3004"
	ErrCodeFormatNotFound  ErrorCode = "SPLE3005"

	// Storage errors (4xxx)
	ErrCodeStorage            ErrorCode = "SPLE4001"
	ErrCodeCloneFailed        ErrorCode = "SPLE4002"
	ErrCodePushFailed         ErrorCode = "SPLE4003"
	ErrCodePullFailed         ErrorCode = "SPLE4004"
	ErrCodeMaxRetriesExceeded ErrorCode = "SPLE4005"
	ErrCodeFileOperation      ErrorCode = "SPLE4006"
	ErrCodeRecordStore        ErrorCode = "SPLE4007"

	// Derived artifact errors (5xxx)
	ErrCodeGeoJSONGeneration     ErrorCode = "SPLE5001"
	ErrCodeImmutabilityViolation ErrorCode = "SPLE5002"
	ErrCodeEmptyArchive          ErrorCode = "SPLE5003"

	// System errors (9xxx)
	ErrCodeInternal       ErrorCode = "SPLE9001"
	ErrCodeConfiguration  ErrorCode = "SPLE9002"
	ErrCodeRegistryConfig ErrorCode = "SPLE9003"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "CRITICAL" // System failure, requires immediate attention
	SeverityError    ErrorSeverity = "ERROR"    // Operation failed, but system continues
	SeverityWarning  ErrorSeverity = "WARNING"  // Operation succeeded with issues
	SeverityInfo     ErrorSeverity = "INFO"     // Informational, not an error
)

// AppError represents a structured application error with context
type AppError struct {
	Code        ErrorCode
	Message     string
	Severity    ErrorSeverity
	Context     map[string]interface{}
	Cause       error
	Stack       string
	Timestamp   time.Time
	Recoverable bool
	Suggestions []string
}

// Error implements the error interface
func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] %s: %s", e.Code, e.Severity, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\nCaused by: %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\nSuggestions:")
		for i, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  %d. %s", i+1, suggestion))
		}
	}

	return b.String()
}

// Unwrap returns the cause of the error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:        code,
		Message:     message,
		Severity:    SeverityError,
		Context:     make(map[string]interface{}),
		Stack:       captureStack(),
		Timestamp:   time.Now(),
		Recoverable: false,
	}
}

// Wrap wraps an existing error with AppError
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	appErr := New(code, message)
	appErr.Cause = err

	// If wrapping another AppError, inherit some properties
	var ae *AppError
	if errors.As(err, &ae) {
		for k, v := range ae.Context {
			appErr.Context[k] = v
		}
	}

	return appErr
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity sets the error severity
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	return e
}

// WithSuggestions adds recovery suggestions
func (e *AppError) WithSuggestions(suggestions ...string) *AppError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// AsRecoverable marks the error as recoverable
func (e *AppError) AsRecoverable() *AppError {
	e.Recoverable = true
	return e
}

// captureStack captures the current stack trace
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			b.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}

	return b.String()
}

// IsRecoverable checks if an error is recoverable
func IsRecoverable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Recoverable
	}
	return false
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether any AppError in err's chain carries one of codes.
func HasCode(err error, codes ...ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			for _, code := range codes {
				if appErr.Code == code {
					return true
				}
			}
		}
		err = errors.Unwrap(err)
	}
	return false
}

// As is a shortcut to the standard library errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is a shortcut to the standard library errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}
