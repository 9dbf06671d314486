package errors

import (
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the original error.
// The wrapped error is accessible via Unwrap() and compatible with errors.Is and errors.As.
//
// If the wrapped error is a PlatformError, its classification is preserved.
// Otherwise, the default classification for the error code is used.
//
// Returns nil if err is nil.
//
// Example:
//
//	data, err := fetchCollection(ctx, source.Location)
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeNetwork, "failed to fetch collection")
//	}
func Wrap(err error, code ErrorCode, message string) PlatformError {
	if err == nil {
		return nil
	}

	// Preserve classification if wrapping a PlatformError
	classification := getDefaultClassification(code)
	var platformErr PlatformError
	if errors.As(err, &platformErr) {
		classification = platformErr.Classification()
	}

	return &platformError{
		code:           code,
		classification: classification,
		message:        message,
		context:        nil,
		cause:          err,
	}
}

// Wrapf wraps an error with a formatted message while preserving the original error.
//
// Returns nil if err is nil.
//
// Example:
//
//	if err := col.Validate(); err != nil {
//	    return errors.Wrapf(err, errors.CodeInvalidInput, "collection %q failed validation", col.Name)
//	}
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) PlatformError {
	if err == nil {
		return nil
	}

	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// WrapWithContext wraps an error and attaches context metadata in a single operation.
// The context map is copied to prevent external mutation.
//
// Returns nil if err is nil.
//
// Example:
//
//	if err := signature.Verify(sig, payload); err != nil {
//	    return errors.WrapWithContext(err, errors.CodeSigningFailed, "signature verification failed", map[string]interface{}{
//	        "location": source.Location,
//	        "format":   string(format),
//	    })
//	}
func WrapWithContext(err error, code ErrorCode, message string, ctx map[string]interface{}) PlatformError {
	if err == nil {
		return nil
	}

	// Preserve classification if wrapping a PlatformError
	classification := getDefaultClassification(code)
	var platformErr PlatformError
	if errors.As(err, &platformErr) {
		classification = platformErr.Classification()
	}

	// Create defensive copy of context
	var contextCopy map[string]interface{}
	if ctx != nil {
		contextCopy = make(map[string]interface{}, len(ctx))
		for k, v := range ctx {
			contextCopy[k] = v
		}
	}

	return &platformError{
		code:           code,
		classification: classification,
		message:        message,
		context:        contextCopy,
		cause:          err,
	}
}
