// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"path/filepath"
	"strings"
)

// =============================================================================
// FILE REFERENCE TYPE
// =============================================================================

// FileRef describes an attachment on a message.
//
// A reference carries either a server URL (for uploaded/acknowledged files)
// or a local handle ID resolved through the object-handle cache (for files
// still being previewed client-side). PreviewURL is transient and never
// persisted.
type FileRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MediaType string `json:"type"`

	// Exactly one of URL / HandleID is normally set.
	URL      string `json:"url,omitempty"`
	HandleID string `json:"handleId,omitempty"`

	// PreviewURL is the resolved, revocable handle URL. It is rebuilt from
	// HandleID on demand and stripped before persistence.
	PreviewURL string `json:"-"`
}

// Stripped returns a copy with transient preview data removed, keeping only
// the stable metadata that is safe to persist.
func (f FileRef) Stripped() FileRef {
	f.PreviewURL = ""
	return f
}

// IsLocal reports whether the reference points at a local handle rather than
// a server URL.
func (f FileRef) IsLocal() bool {
	return f.URL == "" && f.HandleID != ""
}

// =============================================================================
// BACKEND FILE TYPING
// =============================================================================

// documentExtensions are the file extensions the backend treats as documents.
var documentExtensions = map[string]bool{
	"txt": true, "md": true, "markdown": true, "pdf": true, "html": true,
	"xlsx": true, "xls": true, "docx": true, "csv": true, "eml": true,
	"msg": true, "pptx": true, "ppt": true, "xml": true, "epub": true,
}

// BackendFileType maps a media type and file name to the backend's file type
// discriminator: image, audio, video, document, or custom.
func BackendFileType(mediaType, name string) string {
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return "image"
	case strings.HasPrefix(mediaType, "audio/"):
		return "audio"
	case strings.HasPrefix(mediaType, "video/"):
		return "video"
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if documentExtensions[ext] {
		return "document"
	}
	return "custom"
}

// UploadRef is the wire shape for attaching an uploaded file to a request.
type UploadRef struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id"`
}

// UploadRefs converts file references into the wire format for a chat
// request. References without an ID are skipped.
func UploadRefs(files []FileRef) []UploadRef {
	if len(files) == 0 {
		return nil
	}
	refs := make([]UploadRef, 0, len(files))
	for _, f := range files {
		if f.ID == "" {
			continue
		}
		refs = append(refs, UploadRef{
			Type:           BackendFileType(f.MediaType, f.Name),
			TransferMethod: "local_file",
			UploadFileID:   f.ID,
		})
	}
	return refs
}
