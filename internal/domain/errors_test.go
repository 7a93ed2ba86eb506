package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Reassembler.Push", ErrChunkTooLarge, "70000 bytes")
	want := "Reassembler.Push: 70000 bytes: chunk exceeds size limit"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Composer.Finalize", ErrAttachmentsPending, "")
	want := "Composer.Finalize: attachments still uploading"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Classify", ErrMalformedChunk, "not an object")
	if !errors.Is(err, ErrMalformedChunk) {
		t.Error("errors.Is should match ErrMalformedChunk")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("turn: %w", NewDomainError("Registry.Switch", ErrThreadNotFound, "t-1"))
	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Registry.Switch", de.Op)
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeMalformedChunk, ErrorCodeOf(ErrMalformedChunk))
	assert.Equal(t, CodeStreamTruncated, ErrorCodeOf(ErrStreamTruncated))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeUploadFailed, ErrorCodeOf(ErrUploadFailed))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrStreamCancelled)
	assert.Equal(t, CodeStreamCancelled, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	tests := []struct {
		subsystem string
		sentinel  error
		want      ErrorCode
	}{
		{"stream", ErrTimeout, CodeStreamTimeout},
		{"attachment", ErrTimeout, CodeUploadTimeout},
		{"attachment", ErrLimitReached, CodeUploadTooLarge},
		{"attachment", ErrInvalidInput, CodeUploadTypeInvalid},
		{"gateway", ErrTimeout, CodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.subsystem+"/"+string(tt.want), func(t *testing.T) {
			err := NewSubSystemError(tt.subsystem, "Op", tt.sentinel, "")
			assert.Equal(t, tt.want, ErrorCodeOf(err))
		})
	}
}

func TestNewSubSystemError_Format(t *testing.T) {
	err := NewSubSystemError("attachment", "Composer.Add", ErrLimitReached, "6.3 MB")
	assert.Equal(t, "Composer.Add: 6.3 MB: limit reached", err.Error())
	assert.Equal(t, "attachment", err.SubSystem)
}

func TestWrapOp(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))

	err := WrapOp("outer", WrapOp("inner", ErrTransport))
	assert.Equal(t, "outer: inner: transport error", err.Error())
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Equal(t, CodeTransport, ErrorCodeOf(err))
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(ErrRateLimit))
	assert.True(t, IsRetryableError(fmt.Errorf("post: %w", ErrTransport)))
	assert.True(t, IsRetryableError(ErrTimeout))
	assert.False(t, IsRetryableError(ErrMalformedChunk))
	assert.False(t, IsRetryableError(nil))
}

func TestIsStreamError(t *testing.T) {
	assert.True(t, IsStreamError(ErrStreamTruncated))
	assert.True(t, IsStreamError(NewDomainError("Reassembler.Flush", ErrMalformedChunk, "")))
	assert.False(t, IsStreamError(ErrStreamCancelled))
}
