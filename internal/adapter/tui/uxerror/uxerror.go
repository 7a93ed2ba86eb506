// Package uxerror translates raw errors into user-friendly messages with
// recovery hints for the TUI.
package uxerror

import (
	"errors"
	"fmt"
	"strings"

	"assistant-chat/internal/adapter/tui/theme"
	"assistant-chat/internal/domain"
)

// FriendlyError is a user-facing error with suggestions for recovery.
type FriendlyError struct {
	Title   string   // short heading, e.g. "Connection Failed"
	Message string   // one-liner explanation
	Hints   []string // actionable recovery suggestions
	Raw     string   // original error text (for debug)
}

// Render formats the FriendlyError for display in the TUI.
func (fe FriendlyError) Render() string {
	var sb strings.Builder
	sb.WriteString(fe.Title)
	if fe.Message != "" {
		sb.WriteString("\n  ")
		sb.WriteString(fe.Message)
	}
	if len(fe.Hints) > 0 {
		sb.WriteString("\n  Suggestions:")
		for _, h := range fe.Hints {
			sb.WriteString(fmt.Sprintf("\n    %s %s", theme.SymbolBullet, h))
		}
	}
	return sb.String()
}

type errorPattern struct {
	match   func(err error) bool
	produce func(err error) FriendlyError
}

var patterns = []errorPattern{
	// Domain sentinels first so errors.Is works through wrapping.
	{
		match:   is(domain.ErrStreamCancelled),
		produce: constantError("Response Cancelled", "The response was stopped; what arrived so far is kept.", nil),
	},
	{
		match:   is(domain.ErrThreadBusy),
		produce: constantError("Response In Progress", "This thread is still receiving a response.", []string{"Wait for it to finish", "Press Esc or run /cancel to stop it"}),
	},
	{
		match:   is(domain.ErrAttachmentsPending),
		produce: constantError("Uploads Still Running", "Some attachments have not finished uploading.", []string{"Wait for the uploads to finish", "Run /detach to drop an attachment"}),
	},
	{
		match: is(domain.ErrUploadFailed),
		produce: func(err error) FriendlyError {
			return FriendlyError{
				Title:   "Upload Refused",
				Message: err.Error(),
				Hints:   []string{"Check the file size and type limits under attachments in config"},
				Raw:     err.Error(),
			}
		},
	},
	{
		match:   is(domain.ErrThreadNotFound),
		produce: constantError("Thread Not Found", "The thread no longer exists.", []string{"Run /threads to list threads", "Run /new to start a new one"}),
	},
	{
		match:   is(domain.ErrCircuitOpen),
		produce: constantError("Server Unavailable", "Recent requests failed, so new ones are paused for a moment.", []string{"Wait a few seconds and retry", "Check that the agent server is running"}),
	},
	{
		match:   is(domain.ErrRateLimit),
		produce: constantError("Rate Limited", "The agent server is receiving too many requests.", []string{"Wait a moment before retrying"}),
	},
	{
		match:   is(domain.ErrTimeout),
		produce: constantError("Response Timed Out", "The server stopped sending data.", []string{"Retry the message", "Increase stream.idle_timeout in config"}),
	},
	{
		match:   is(domain.ErrStreamTruncated),
		produce: constantError("Response Cut Off", "The stream ended in the middle of a chunk; the partial reply is kept.", []string{"Retry the message"}),
	},
	{
		match:   is(domain.ErrMalformedChunk),
		produce: constantError("Garbled Response", "Part of the response could not be read.", []string{"Retry the message", "Run with ASSISTANTCHAT_LOGGER_LEVEL=debug for details"}),
	},
	{
		match:   is(domain.ErrChunkTooLarge),
		produce: constantError("Response Chunk Too Large", "A chunk exceeded stream.max_unit_bytes.", []string{"Increase stream.max_unit_bytes in config"}),
	},

	// Network / connectivity patterns (string matching for external errors).
	{
		match:   containsAny("connection refused", "dial tcp", "no such host"),
		produce: constantError("Connection Failed", "Could not reach the agent server.", []string{"Check that the agent server is running", "Verify server.base_url in config"}),
	},
	{
		match:   is(domain.ErrTransport),
		produce: constantError("Connection Problem", "The request to the agent server failed.", []string{"Retry the message", "Check your network connection"}),
	},
	{
		match:   containsAny("401", "unauthorized", "authentication failed"),
		produce: constantError("Authentication Failed", "The agent server rejected the request.", []string{"Check server.user_id in config"}),
	},
}

// Humanize converts a raw error into a FriendlyError with recovery hints.
func Humanize(err error) FriendlyError {
	if err == nil {
		return FriendlyError{Title: "Unknown Error", Raw: "nil"}
	}

	for _, p := range patterns {
		if p.match(err) {
			return p.produce(err)
		}
	}

	return FriendlyError{
		Title:   "Unexpected Error",
		Message: err.Error(),
		Hints:   []string{"Try again", "Run with ASSISTANTCHAT_LOGGER_LEVEL=debug for more details"},
		Raw:     err.Error(),
	}
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

// containsAny returns a match func that checks if the error string contains
// any of the given substrings (case-insensitive).
func containsAny(substrs ...string) func(error) bool {
	return func(err error) bool {
		lower := strings.ToLower(err.Error())
		for _, s := range substrs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

// constantError returns a produce func that always returns the same FriendlyError.
func constantError(title, message string, hints []string) func(error) FriendlyError {
	return func(err error) FriendlyError {
		return FriendlyError{
			Title:   title,
			Message: message,
			Hints:   hints,
			Raw:     err.Error(),
		}
	}
}
