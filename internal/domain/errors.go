package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the streaming engine.
var (
	ErrMalformedChunk   = fmt.Errorf("malformed chunk")
	ErrUnknownChunkType = fmt.Errorf("unknown chunk type")
	ErrChunkTooLarge    = fmt.Errorf("chunk exceeds size limit")
	ErrStreamTruncated  = fmt.Errorf("stream ended with unparsed data")
	ErrStreamCancelled  = fmt.Errorf("stream cancelled")
	ErrTransport        = fmt.Errorf("transport error")
)

// Sentinel errors for threads and attachments.
var (
	ErrThreadNotFound     = fmt.Errorf("thread not found")
	ErrThreadBusy         = fmt.Errorf("thread already has a response in flight")
	ErrAttachmentNotFound = fmt.Errorf("attachment not found")
	ErrUploadFailed       = fmt.Errorf("attachment upload failed")
	ErrAttachmentsPending = fmt.Errorf("attachments still uploading")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")

	// Resilience errors.
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")
	ErrCircuitOpen = fmt.Errorf("circuit open")

	// Gateway / RPC errors.
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrGatewayAuthFailed = fmt.Errorf("gateway authentication failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Reassembler.Push")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "stream", "attachment"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}

// IsStreamError reports whether err settles a turn without invalidating the
// conversation state merged so far.
func IsStreamError(err error) bool {
	return errors.Is(err, ErrStreamTruncated) || errors.Is(err, ErrMalformedChunk) ||
		errors.Is(err, ErrChunkTooLarge)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeMalformedChunk     ErrorCode = "MALFORMED_CHUNK"
	CodeUnknownChunkType   ErrorCode = "UNKNOWN_CHUNK_TYPE"
	CodeChunkTooLarge      ErrorCode = "CHUNK_TOO_LARGE"
	CodeStreamTruncated    ErrorCode = "STREAM_TRUNCATED"
	CodeStreamCancelled    ErrorCode = "STREAM_CANCELLED"
	CodeTransport          ErrorCode = "TRANSPORT"
	CodeThreadNotFound     ErrorCode = "THREAD_NOT_FOUND"
	CodeThreadBusy         ErrorCode = "THREAD_BUSY"
	CodeAttachmentNotFound ErrorCode = "ATTACHMENT_NOT_FOUND"
	CodeUploadFailed       ErrorCode = "UPLOAD_FAILED"
	CodeAttachmentsPending ErrorCode = "ATTACHMENTS_PENDING"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeRPCMethodNotFound  ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload  ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeGatewayAuthFailed  ErrorCode = "GATEWAY_AUTH_FAILED"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeStreamTimeout     ErrorCode = "STREAM_TIMEOUT"
	CodeUploadTimeout     ErrorCode = "UPLOAD_TIMEOUT"
	CodeUploadTooLarge    ErrorCode = "UPLOAD_TOO_LARGE"
	CodeUploadTypeInvalid ErrorCode = "UPLOAD_TYPE_INVALID"

	// Category error codes: fallback codes when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeLimitReached  ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrTimeout:       CodeTimeout,
	ErrLimitReached:  CodeLimitReached,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrMalformedChunk:     CodeMalformedChunk,
	ErrUnknownChunkType:   CodeUnknownChunkType,
	ErrChunkTooLarge:      CodeChunkTooLarge,
	ErrStreamTruncated:    CodeStreamTruncated,
	ErrStreamCancelled:    CodeStreamCancelled,
	ErrTransport:          CodeTransport,
	ErrThreadNotFound:     CodeThreadNotFound,
	ErrThreadBusy:         CodeThreadBusy,
	ErrAttachmentNotFound: CodeAttachmentNotFound,
	ErrUploadFailed:       CodeUploadFailed,
	ErrAttachmentsPending: CodeAttachmentsPending,
	ErrConfigLoad:         CodeConfigLoad,
	ErrRateLimit:          CodeRateLimit,
	ErrCircuitOpen:        CodeCircuitOpen,
	ErrRPCMethodNotFound:  CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:  CodeRPCInvalidPayload,
	ErrGatewayAuthFailed:  CodeGatewayAuthFailed,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"stream":     CodeStreamTimeout,
		"attachment": CodeUploadTimeout,
	},
	ErrLimitReached: {
		"attachment": CodeUploadTooLarge,
		"stream":     CodeChunkTooLarge,
	},
	ErrInvalidInput: {
		"attachment": CodeUploadTypeInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
