package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Authentication & Permission errors
// 12000-12999: Task catalog errors
// 13000-13999: Submission & Check pipeline errors
// 14000-14999: Task repository loader errors
// 15000-15999: Report & Webhook errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008
	InvalidArgument     ErrorCode = 10009

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Authentication & Permission Errors (11000-11999) ==========

	TokenExpired     ErrorCode = 11000
	TokenInvalid     ErrorCode = 11001
	PermissionDenied ErrorCode = 11100

	// ========== Task Catalog Errors (12000-12999) ==========

	TaskNotFound     ErrorCode = 12000
	TaskNotPublished ErrorCode = 12001
	TaskAccessDenied ErrorCode = 12002

	// ========== Submission & Check Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound     ErrorCode = 13000
	SubmissionCreateFailed ErrorCode = 13001
	DeadlineExceeded       ErrorCode = 13002
	NoFiles                ErrorCode = 13003
	InvalidFilenames       ErrorCode = 13004
	ConcurrentSubmission   ErrorCode = 13005
	SubmissionLimitReached ErrorCode = 13006

	// Check (13100-13199)
	CheckQueueFull      ErrorCode = 13100
	SandboxFailure      ErrorCode = 13101
	SubmissionFinalized ErrorCode = 13102
	CheckPersistFailed  ErrorCode = 13103

	// ========== Task Repository Loader Errors (14000-14999) ==========

	RepositorySyncFailed ErrorCode = 14000
	ImageBuildFailed     ErrorCode = 14001
	TaskMetaInvalid      ErrorCode = 14002
	TaskLoadFailed       ErrorCode = 14003

	// ========== Report & Webhook Errors (15000-15999) ==========

	ReportParseFailed ErrorCode = 15000
	InvalidSignature  ErrorCode = 15100
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",
	InvalidArgument:     "Invalid argument",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",
	CacheMiss:  "Cache miss",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Auth
	TokenExpired:     "Token has expired",
	TokenInvalid:     "Invalid token",
	PermissionDenied: "Permission denied",

	// Task
	TaskNotFound:     "Task not found",
	TaskNotPublished: "Task is not published yet",
	TaskAccessDenied: "Access to this task is denied",

	// Submission
	SubmissionNotFound:     "Submission not found",
	SubmissionCreateFailed: "Failed to create submission",
	DeadlineExceeded:       "The deadline for this task has passed",
	NoFiles:                "No files were submitted",
	InvalidFilenames:       "One or more filenames are not allowed",
	ConcurrentSubmission:   "Another submission was made at the same time, please try again",
	SubmissionLimitReached: "You have reached the maximum number of submissions for this task",

	// Check
	CheckQueueFull:      "Check queue is full",
	SandboxFailure:      "Sandbox failure",
	SubmissionFinalized: "Submission has already been checked",
	CheckPersistFailed:  "Failed to persist check result",

	// Loader
	RepositorySyncFailed: "Task repository synchronization failed",
	ImageBuildFailed:     "Sandbox image build failed",
	TaskMetaInvalid:      "Task metadata is invalid",
	TaskLoadFailed:       "Failed to load task",

	// Report & Webhook
	ReportParseFailed: "Failed to parse test report",
	InvalidSignature:  "Invalid signature",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden, c == PermissionDenied, c == TaskAccessDenied, c == DeadlineExceeded, c == TaskNotPublished:
		return 403
	case c == NotFound, c == RecordNotFound, c == TaskNotFound, c == SubmissionNotFound:
		return 404
	case c == ConcurrentSubmission, c == SubmissionFinalized, c == RecordAlreadyExists:
		return 409
	case c == TooManyRequests, c == SubmissionLimitReached:
		return 429
	case c == ServiceUnavailable, c == CheckQueueFull:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == InvalidArgument, c == NoFiles, c == InvalidFilenames, c == InvalidSignature:
		return 400
	default:
		return 500
	}
}
