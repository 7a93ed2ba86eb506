package domain

import (
	"context"
	"io"
)

// AttachmentStatus is the upload state of an attachment.
type AttachmentStatus string

const (
	AttachmentPending   AttachmentStatus = "pending"
	AttachmentUploading AttachmentStatus = "uploading"
	AttachmentUploaded  AttachmentStatus = "uploaded"
	AttachmentFailed    AttachmentStatus = "failed"
)

// Terminal reports whether no further transition can happen.
func (s AttachmentStatus) Terminal() bool {
	return s == AttachmentUploaded || s == AttachmentFailed
}

// Attachment is a file attached to a pending user message. ID is assigned
// locally; RemoteID is the identifier returned by the upload endpoint.
type Attachment struct {
	ID       string           `json:"id"`
	RemoteID string           `json:"remote_id,omitempty"`
	FileName string           `json:"file_name"`
	FileType string           `json:"file_type"`
	Size     int64            `json:"size"`
	Status   AttachmentStatus `json:"status"`
	URL      string           `json:"url,omitempty"`
	Progress float64          `json:"progress,omitempty"` // 0..1 while uploading
	Error    string           `json:"error,omitempty"`
}

// FileSource describes a file selected for upload.
type FileSource struct {
	Name string
	Type string // MIME type
	Size int64
	Open func() (io.ReadCloser, error)
}

// ProgressFunc receives upload progress in the range 0..1.
type ProgressFunc func(fraction float64)

// AttachmentStore is the remote side of the attachment lifecycle.
type AttachmentStore interface {
	// Upload sends the file and returns the remote attachment ID.
	Upload(ctx context.Context, threadID string, file FileSource, progress ProgressFunc) (string, error)
	// URL resolves a displayable URL for an uploaded attachment.
	URL(ctx context.Context, remoteID string) (string, error)
	// Delete removes the remote attachment.
	Delete(ctx context.Context, remoteID string) error
}
