package models

import "time"

// UploadedAudio is an audio upload persisted to scratch storage for the lifetime of one request.
type UploadedAudio struct {
	Path      string    `json:"-"`
	FileName  string    `json:"file_name"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}
