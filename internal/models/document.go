package models

import "time"

const MediaTypePDF = "application/pdf"

// Document is the persisted metadata for one uploaded source file.
type Document struct {
	ID                     string    `json:"id"`
	OwnerID                string    `json:"owner_id"`
	DisplayName            string    `json:"display_name"`
	MediaType              string    `json:"media_type"`
	ByteSize               int64     `json:"byte_size"`
	SourceLocation         string    `json:"source_location"`
	CreatedAt              time.Time `json:"created_at"`
	GeneratedAudioLocation string    `json:"generated_audio_location,omitempty"`
}

// AudioArtifact records a rendered audio blob until it is attached to a
// document or swept.
type AudioArtifact struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	DocumentID string    `json:"document_id"`
	Location   string    `json:"location"`
	Attached   bool      `json:"attached"`
	CreatedAt  time.Time `json:"created_at"`
}
