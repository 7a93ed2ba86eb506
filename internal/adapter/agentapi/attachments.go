package agentapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"assistant-chat/internal/domain"
	"assistant-chat/internal/infra/config"
)

// Metadata describes a stored attachment.
type Metadata struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url"`
}

// NewAttachmentStore returns the store for the configured surface: files
// scoped to a thread, or the user's image library.
func NewAttachmentStore(c *Client, surface string) domain.AttachmentStore {
	if surface == config.SurfaceImage {
		return &ImageAttachments{c: c}
	}
	return &ThreadAttachments{c: c}
}

// ThreadAttachments stores files under a thread.
type ThreadAttachments struct {
	c *Client
}

// Upload implements domain.AttachmentStore.
func (s *ThreadAttachments) Upload(ctx context.Context, threadID string, file domain.FileSource, progress domain.ProgressFunc) (string, error) {
	if threadID == "" || threadID == domain.DefaultThreadID {
		return "", domain.NewSubSystemError("attachment", "agentapi.Upload", domain.ErrInvalidInput,
			"thread attachments need a server-side thread")
	}
	u := s.c.baseURL + "/threads/attachment/" + url.PathEscape(threadID) + "/upload"
	body, err := s.c.upload(ctx, u, file, progress, domain.ErrThreadNotFound)
	if err != nil {
		return "", domain.WrapOp("agentapi.Upload", err)
	}
	return decodeID(body)
}

// Metadata fetches the stored description of an attachment.
func (s *ThreadAttachments) Metadata(ctx context.Context, id string) (Metadata, error) {
	u := s.c.baseURL + "/threads/attachment/" + url.PathEscape(id) + "/metadata"
	return s.c.metadata(ctx, u)
}

// URL implements domain.AttachmentStore.
func (s *ThreadAttachments) URL(ctx context.Context, id string) (string, error) {
	md, err := s.Metadata(ctx, id)
	if err != nil {
		return "", err
	}
	return md.URL, nil
}

// Delete implements domain.AttachmentStore.
func (s *ThreadAttachments) Delete(ctx context.Context, id string) error {
	u := s.c.baseURL + "/threads/attachment/" + url.PathEscape(id)
	_, err := s.c.doJSON(ctx, http.MethodDelete, u, nil, domain.ErrAttachmentNotFound)
	return domain.WrapOp("agentapi.Delete", err)
}

// ImageAttachments stores images in the user's image library.
type ImageAttachments struct {
	c *Client
}

// Upload implements domain.AttachmentStore. Images are not scoped to a
// thread, so threadID is unused.
func (s *ImageAttachments) Upload(ctx context.Context, _ string, file domain.FileSource, progress domain.ProgressFunc) (string, error) {
	u := s.c.imagesURL + "/" + url.PathEscape(s.c.userID) + "/upload"
	body, err := s.c.upload(ctx, u, file, progress, domain.ErrNotFound)
	if err != nil {
		return "", domain.WrapOp("agentapi.UploadImage", err)
	}
	return decodeID(body)
}

// Info fetches the stored description of an image.
func (s *ImageAttachments) Info(ctx context.Context, id string) (Metadata, error) {
	return s.c.metadata(ctx, s.c.imagesURL+"/"+url.PathEscape(id)+"/info")
}

// URL implements domain.AttachmentStore. The display URL is derived from
// the id without a round trip.
func (s *ImageAttachments) URL(_ context.Context, id string) (string, error) {
	return s.c.imagesURL + "/" + url.PathEscape(id) + "/show", nil
}

// Delete implements domain.AttachmentStore.
func (s *ImageAttachments) Delete(ctx context.Context, id string) error {
	_, err := s.c.doJSON(ctx, http.MethodDelete, s.c.imagesURL+"/"+url.PathEscape(id), nil, domain.ErrAttachmentNotFound)
	return domain.WrapOp("agentapi.DeleteImage", err)
}

func (c *Client) metadata(ctx context.Context, u string) (Metadata, error) {
	body, err := c.doJSON(ctx, http.MethodGet, u, nil, domain.ErrAttachmentNotFound)
	if err != nil {
		return Metadata{}, domain.WrapOp("agentapi.Metadata", err)
	}
	var md Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		return Metadata{}, fmt.Errorf("agentapi.Metadata: %w: %v", domain.ErrProviderError, err)
	}
	return md, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// upload streams file as the "file" field of a multipart form. The body is
// produced on the fly through a pipe, so the file is never held in memory.
func (c *Client) upload(ctx context.Context, u string, file domain.FileSource, progress domain.ProgressFunc, notFound error) ([]byte, error) {
	if file.Open == nil {
		return nil, domain.NewDomainError("upload", domain.ErrInvalidInput, "file has no content")
	}
	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file.Name, err)
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)

	go func() {
		defer src.Close()
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(file.Name)))
		ct := file.Type
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)

		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, &progressReader{r: src, total: file.Size, fn: progress})
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, notFound)
	if err != nil {
		return nil, err
	}
	return readBody(resp)
}

// progressReader reports the fraction of total read, at most once per
// percent.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	last  int
	fn    domain.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.fn != nil && p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct != p.last {
			p.last = pct
			p.fn(float64(pct) / 100)
		}
	}
	return n, err
}
