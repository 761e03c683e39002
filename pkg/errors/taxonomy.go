package errors

import "fmt"

var (
	validationCodes = []ErrorCode{
		ErrCodeValidationFailed, ErrCodeInvalidExtension, ErrCodeInvalidMimetype,
		ErrCodeRejectedExtension, ErrCodeInvalidInput,
	}
	notFoundCodes = []ErrorCode{
		ErrCodeNotFound, ErrCodeProjectNotFound, ErrCodeCommitNotFound,
		ErrCodeBlobNotFound, ErrCodeFormatNotFound,
	}
	storageCodes = []ErrorCode{
		ErrCodeStorage, ErrCodeCloneFailed, ErrCodePushFailed, ErrCodePullFailed,
		ErrCodeMaxRetriesExceeded, ErrCodeFileOperation, ErrCodeRecordStore,
	}
)

// ValidationError creates an upload validation error naming the received and expected values
func ValidationError(field string, received interface{}, expected interface{}) *AppError {
	return New(ErrCodeValidationFailed,
		fmt.Sprintf("Validation failed for %s: received %v, expected %v", field, received, expected)).
		WithContext("field", field).
		WithContext("received", received).
		WithContext("expected", expected).
		WithSeverity(SeverityWarning)
}

// ResourceBusyError reports a mutex held by somebody else. Callers may retry later.
func ResourceBusyError(projectID, holder string) *AppError {
	return New(ErrCodeResourceBusy,
		fmt.Sprintf("Project %s is locked by %s", projectID, holder)).
		WithContext("project", projectID).
		WithContext("holder", holder).
		WithSeverity(SeverityWarning).
		AsRecoverable().
		WithSuggestions("Wait for the current editor to release the project lock")
}

// NotAuthorizedError reports a missing permission. Retrying without escalation never helps.
func NotAuthorizedError(user, projectID, required string) *AppError {
	return New(ErrCodeNotAuthorized,
		fmt.Sprintf("User %s is not allowed to %s project %s", user, required, projectID)).
		WithContext("user", user).
		WithContext("project", projectID).
		WithContext("required", required).
		WithSuggestions("Ask a project administrator for the required access level")
}

// MutexRequiredError reports a write attempted without holding the project lock
func MutexRequiredError(user, projectID string) *AppError {
	return New(ErrCodeMutexRequired,
		fmt.Sprintf("User %s must hold the lock of project %s to write to it", user, projectID)).
		WithContext("user", user).
		WithContext("project", projectID).
		WithSuggestions("Acquire the project lock before uploading")
}

// NotFoundError reports an absent project, commit, blob or format
func NotFoundError(kind, id string) *AppError {
	code := ErrCodeNotFound
	switch kind {
	case "project":
		code = ErrCodeProjectNotFound
	case "commit":
		code = ErrCodeCommitNotFound
	case "blob":
		code = ErrCodeBlobNotFound
	case "format":
		code = ErrCodeFormatNotFound
	}
	return New(code, fmt.Sprintf("%s %q not found", kind, id)).
		WithContext("kind", kind).
		WithContext("id", id)
}

// StorageError wraps a fatal version-control or record storage failure
func StorageError(code ErrorCode, message string, cause error) *AppError {
	if cause == nil {
		return New(code, message).WithSeverity(SeverityCritical)
	}
	return Wrap(cause, code, message).WithSeverity(SeverityCritical)
}

// GeoJSONGenerationError wraps a conversion failure for one commit
func GeoJSONGenerationError(commitHash string, cause error) *AppError {
	return Wrap(cause, ErrCodeGeoJSONGeneration,
		fmt.Sprintf("GeoJSON generation failed for commit %s", commitHash)).
		WithContext("commit", commitHash).
		AsRecoverable()
}

// ImmutabilityViolation reports an attempt to overwrite a finalized record
func ImmutabilityViolation(kind, id string) *AppError {
	return New(ErrCodeImmutabilityViolation,
		fmt.Sprintf("%s %s already exists and cannot be overwritten", kind, id)).
		WithContext("kind", kind).
		WithContext("id", id).
		WithSuggestions("Delete the existing record explicitly before regenerating it")
}

// IsValidation reports whether err is an upload validation failure
func IsValidation(err error) bool { return HasCode(err, validationCodes...) }

// IsResourceBusy reports whether err means the project lock is held by another user
func IsResourceBusy(err error) bool { return HasCode(err, ErrCodeResourceBusy) }

// IsNotAuthorized reports whether err is a permission failure
func IsNotAuthorized(err error) bool { return HasCode(err, ErrCodeNotAuthorized) }

// IsMutexRequired reports whether err is a write without the project lock
func IsMutexRequired(err error) bool { return HasCode(err, ErrCodeMutexRequired) }

// IsNotFound reports whether err is any lookup failure
func IsNotFound(err error) bool { return HasCode(err, notFoundCodes...) }

// IsStorage reports whether err is a storage failure
func IsStorage(err error) bool { return HasCode(err, storageCodes...) }

// IsGeoJSONGeneration reports whether err is a recoverable conversion failure
func IsGeoJSONGeneration(err error) bool { return HasCode(err, ErrCodeGeoJSONGeneration) }

// IsImmutabilityViolation reports whether err is an overwrite of a finalized record
func IsImmutabilityViolation(err error) bool { return HasCode(err, ErrCodeImmutabilityViolation) }
