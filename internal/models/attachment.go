package models

import (
	"strings"
	"time"
)

// MediaKind decides how an attachment is rendered.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaDocument MediaKind = "document"
)

// Source is the capture surface a file came from.
type Source string

const (
	SourceCamera Source = "camera"
	SourceFile   Source = "file"
)

// Attachment represents a user-selected file held behind a transient reference.
type Attachment struct {
	Ref         string    `json:"ref"`
	DisplayName string    `json:"display_name"`
	MimeType    string    `json:"mime_type"`
	Kind        MediaKind `json:"kind"`
	Source      Source    `json:"source"`
	Size        int64     `json:"size"`
	StoredPath  string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

// KindForMime maps image/* to MediaImage and everything else to MediaDocument.
func KindForMime(mimeType string) MediaKind {
	if strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return MediaImage
	}
	return MediaDocument
}

// Expired reports whether the reference has been revoked by its TTL.
func (a *Attachment) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}
