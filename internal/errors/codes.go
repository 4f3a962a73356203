// Package errors provides structured error handling for corpusd.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors (fatal on startup)
//   - 3XX: RPC and network errors (usually retryable)
//   - 4XX: Validation and parse errors
//   - 5XX: Internal and consistency errors
//   - 6XX: Cooperative cancellation
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryRPC indicates errors talking to embedding, reranker, vector or relational backends.
	CategoryRPC Category = "RPC"
	// CategoryValidation indicates input validation and parse errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryConsistency indicates invariant violations (dimension drift, name collisions).
	CategoryConsistency Category = "CONSISTENCY"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
	// CategoryCancelled indicates cooperative cancellation.
	CategoryCancelled Category = "CANCELLED"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort the current operation.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but the process can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigInvalid = "ERR_101_CONFIG_INVALID"
	ErrCodeConfigMissing = "ERR_102_CONFIG_MISSING"
	ErrCodeFlagConflict  = "ERR_103_FLAG_CONFLICT"

	// RPC errors (300-399)
	ErrCodeRPCTimeout     = "ERR_301_RPC_TIMEOUT"
	ErrCodeRPCUnavailable = "ERR_302_RPC_UNAVAILABLE"
	ErrCodeRPCThrottled   = "ERR_303_RPC_THROTTLED"
	ErrCodeRPCOversized   = "ERR_304_RPC_OVERSIZED"
	ErrCodeRPCRejected    = "ERR_305_RPC_REJECTED"

	// Validation errors (400-499)
	ErrCodeInvalidInput   = "ERR_401_INVALID_INPUT"
	ErrCodeParseFailed    = "ERR_402_PARSE_FAILED"
	ErrCodeInvalidScope   = "ERR_403_INVALID_SCOPE"
	ErrCodeInvalidPattern = "ERR_404_INVALID_PATTERN"
	ErrCodeQueryEmpty     = "ERR_405_QUERY_EMPTY"

	// Internal / consistency errors (500-599)
	ErrCodeInternal          = "ERR_501_INTERNAL"
	ErrCodeDimensionMismatch = "ERR_502_DIMENSION_MISMATCH"
	ErrCodeNameCollision     = "ERR_503_NAME_COLLISION"
	ErrCodeMissingRow        = "ERR_504_MISSING_ROW"
	ErrCodeEmbeddingFailed   = "ERR_505_EMBEDDING_FAILED"
	ErrCodeSearchFailed      = "ERR_506_SEARCH_FAILED"
	ErrCodeIngestFailed      = "ERR_507_INGEST_FAILED"

	// Cancellation (600-699)
	ErrCodeCancelled = "ERR_601_CANCELLED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '3':
		return CategoryRPC
	case '4':
		return CategoryValidation
	case '5':
		switch code {
		case ErrCodeDimensionMismatch, ErrCodeNameCollision, ErrCodeMissingRow:
			return CategoryConsistency
		}
		return CategoryInternal
	case '6':
		return CategoryCancelled
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch categoryFromCode(code) {
	case CategoryConfig, CategoryConsistency:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// Only transient RPC failures are retryable; permanent rejections are
// not, and neither is an oversized payload — resending the same bytes
// cannot succeed, the caller must split the batch instead.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRPCTimeout, ErrCodeRPCUnavailable, ErrCodeRPCThrottled:
		return true
	}
	return false
}
