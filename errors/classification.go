package errors

// ErrorClassification indicates whether an error should trigger a retry.
// This is used by platform services to determine if an operation should be retried
// or if it represents a permanent failure.
type ErrorClassification string

const (
	// ClassificationRetryable indicates temporary failures that may succeed on retry.
	// Examples: network timeouts, rate limits, transient database issues.
	ClassificationRetryable ErrorClassification = "RETRYABLE"

	// ClassificationPermanent indicates failures that will not succeed on retry.
	// Examples: validation errors, permission denials, resource not found.
	ClassificationPermanent ErrorClassification = "PERMANENT"
)

// IsRetryable returns true if the classification indicates retry should be attempted.
func (c ErrorClassification) IsRetryable() bool {
	return c == ClassificationRetryable
}

// defaultClassifications maps error codes to their default classification.
// This determines the default retry behavior for each error type.
var defaultClassifications = map[ErrorCode]ErrorClassification{
	// Retryable errors (temporary failures)
	CodeTimeout:                 ClassificationRetryable,
	CodeNetwork:                 ClassificationRetryable,
	CodeRateLimit:               ClassificationRetryable,
	CodeUnavailable:             ClassificationRetryable,
	CodeAPILimitsExceeded:       ClassificationRetryable,
	CodeCertVerificationFailure: ClassificationRetryable, // OCSP lookups may be transient

	// Trust errors are policy decisions, never retryable without caller action.
	CodeUntrusted:                 ClassificationPermanent,
	CodeCannotVerifySignature:     ClassificationPermanent,
	CodeInvalidSignature:          ClassificationPermanent,
	CodeMissingSignature:          ClassificationPermanent,
	CodeTrustConfirmationRequired: ClassificationPermanent,

	// Signing/certificate structural failures are permanent.
	CodeEncodeInitializationFailed: ClassificationPermanent,
	CodeDecodeInitializationFailed: ClassificationPermanent,
	CodeSigningFailed:              ClassificationPermanent,
	CodeSignatureInvalid:           ClassificationPermanent,
	CodeCertInitializationFailure:  ClassificationPermanent,
	CodeNameExtractionFailure:      ClassificationPermanent,
	CodeExtensionFailure:           ClassificationPermanent,
	CodeEmptyCertChain:             ClassificationPermanent,

	// Permanent errors (will not succeed on retry)
	CodeNotFound:          ClassificationPermanent,
	CodeConflict:          ClassificationPermanent,
	CodeInvalidInput:      ClassificationPermanent,
	CodeInvalidConfig:     ClassificationPermanent,
	CodeInvalidGitURL:     ClassificationPermanent,
	CodeInvalidResponse:   ClassificationPermanent,
	CodePermissionDenied:  ClassificationPermanent,
	CodeInvalidAuthToken:  ClassificationPermanent,

	// System errors (often permanent, but may be transient)
	CodeInternal: ClassificationPermanent,
	CodeUnknown:  ClassificationPermanent,
}

// getDefaultClassification returns the default classification for an error code.
// Returns ClassificationPermanent if the code is not in the map (safe default).
func getDefaultClassification(code ErrorCode) ErrorClassification {
	if class, ok := defaultClassifications[code]; ok {
		return class
	}
	return ClassificationPermanent // Safe default
}
