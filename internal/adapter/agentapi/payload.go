package agentapi

import (
	"encoding/json"
	"fmt"

	"assistant-chat/internal/domain"
	"assistant-chat/internal/infra/config"
)

type attachmentRef struct {
	ID string `json:"id"`
}

// EncodeSendMessage builds the send-message body in one of the payload
// styles the server has accepted over time:
//
//	attachment_id: {"content": "...", "attachment_id": "id" | null}
//	attachment:    {"content": "...", "attachment": {"id": "..."} | null}
//	attachments:   {"content": "...", "attachments": [{"id": "..."}]}
//
// The single-attachment styles carry only the first attachment.
func EncodeSendMessage(style string, req domain.SendMessageRequest) ([]byte, error) {
	var first *string
	if len(req.AttachmentIDs) > 0 {
		first = &req.AttachmentIDs[0]
	}

	switch style {
	case "", config.PayloadAttachmentID:
		return json.Marshal(struct {
			Content      string  `json:"content"`
			AttachmentID *string `json:"attachment_id"`
		}{req.Content, first})
	case config.PayloadAttachment:
		var ref *attachmentRef
		if first != nil {
			ref = &attachmentRef{ID: *first}
		}
		return json.Marshal(struct {
			Content    string         `json:"content"`
			Attachment *attachmentRef `json:"attachment"`
		}{req.Content, ref})
	case config.PayloadAttachments:
		refs := make([]attachmentRef, 0, len(req.AttachmentIDs))
		for _, id := range req.AttachmentIDs {
			refs = append(refs, attachmentRef{ID: id})
		}
		return json.Marshal(struct {
			Content     string          `json:"content"`
			Attachments []attachmentRef `json:"attachments"`
		}{req.Content, refs})
	default:
		return nil, domain.NewDomainError("EncodeSendMessage", domain.ErrInvalidInput,
			fmt.Sprintf("unknown payload style %q", style))
	}
}

// DecodeSendMessage reads a body written in any of the payload styles.
func DecodeSendMessage(data []byte) (domain.SendMessageRequest, error) {
	var w struct {
		Content      string          `json:"content"`
		AttachmentID *string         `json:"attachment_id"`
		Attachment   *attachmentRef  `json:"attachment"`
		Attachments  []attachmentRef `json:"attachments"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.SendMessageRequest{}, domain.NewDomainError("DecodeSendMessage", domain.ErrInvalidInput, err.Error())
	}

	req := domain.SendMessageRequest{Content: w.Content}
	switch {
	case len(w.Attachments) > 0:
		for _, a := range w.Attachments {
			if a.ID != "" {
				req.AttachmentIDs = append(req.AttachmentIDs, a.ID)
			}
		}
	case w.Attachment != nil && w.Attachment.ID != "":
		req.AttachmentIDs = []string{w.Attachment.ID}
	case w.AttachmentID != nil && *w.AttachmentID != "":
		req.AttachmentIDs = []string{*w.AttachmentID}
	}
	return req, nil
}
