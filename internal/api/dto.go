package api

import "time"

// initiateChunkRequest is the JSON body for POST /v1/files/chunks.
type initiateChunkRequest struct {
	Name string `json:"name" validate:"required,max=255"`
	MIME string `json:"mime" validate:"required"`
	Size int64  `json:"size" validate:"required,gt=0"`
}

// completeChunkRequest is the JSON body for POST
// /v1/files/chunks/{sessionID}/complete.
type completeChunkRequest struct {
	WholeFileHash string `json:"whole_file_hash" validate:"omitempty,len=64,hexadecimal"`
}

// issueTokenRequest is the JSON body for POST /v1/files/{id}/tokens.
type issueTokenRequest struct {
	ExpiresInSeconds int      `json:"expires_in_seconds" validate:"omitempty,min=0"`
	Permissions      []string `json:"permissions" validate:"omitempty,dive,oneof=read download"`
	MaxUses          int      `json:"max_uses" validate:"omitempty,min=0"`
	IPPin            string   `json:"ip_pin" validate:"omitempty,ip"`
}

func (r issueTokenRequest) expiresIn() time.Duration {
	if r.ExpiresInSeconds <= 0 {
		return 0
	}
	return time.Duration(r.ExpiresInSeconds) * time.Second
}

// linkAttachmentRequest is the JSON body for POST /v1/files/{id}/attachments.
type linkAttachmentRequest struct {
	MessageID string `json:"message_id" validate:"required"`
	Caption   string `json:"caption" validate:"omitempty,max=2000"`
	Ordering  int    `json:"ordering"`
}

// attachmentInput is one entry of linkAttachmentsRequest.
type attachmentInput struct {
	MessageID string `json:"message_id" validate:"required"`
	FileID    string `json:"file_id" validate:"required"`
	Caption   string `json:"caption" validate:"omitempty,max=2000"`
	Ordering  int    `json:"ordering"`
}

// linkAttachmentsRequest is the JSON body for POST /v1/attachments; the
// service layer (store.FileStore.LinkMessages) enforces the batch cap.
type linkAttachmentsRequest struct {
	Attachments []attachmentInput `json:"attachments" validate:"required,min=1,max=20,dive"`
}

type tokenResponse struct {
	Token       string   `json:"token"`
	FileID      string   `json:"file_id"`
	Permissions []string `json:"permissions"`
	ExpiresAt   string   `json:"expires_at"`
	MaxUses     int      `json:"max_uses"`
}

type fileResponse struct {
	ID           string `json:"id"`
	OriginalName string `json:"original_name"`
	MIME         string `json:"mime"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum"`
	CreatedAt    string `json:"created_at"`
}

type uploadResponse struct {
	File  fileResponse `json:"file"`
	IsNew bool         `json:"is_new"`
	Token string       `json:"token"`
}
