package dto

import "time"

// UploadInitResponse is the response for upload session creation.
type UploadInitResponse struct {
	UploadID     string `json:"upload_id"`
	TotalChunks  int    `json:"total_chunks"`
	ReservedSize int64  `json:"reserved_size"`
}

// FileDTO describes a permanent file in API responses.
type FileDTO struct {
	ID        uint64    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mime_type,omitempty"`
	ParentID  *uint64   `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChunkUploadResponse is the response for a single chunk upload.
type ChunkUploadResponse struct {
	Completed      bool     `json:"completed"`
	UploadedChunks int      `json:"uploaded_chunks"`
	File           *FileDTO `json:"file,omitempty"`
}

// UploadStatusResponse reports session progress.
type UploadStatusResponse struct {
	UploadID       string `json:"upload_id"`
	Status         string `json:"status"`
	UploadedChunks int    `json:"uploaded_chunks"`
	TotalChunks    int    `json:"total_chunks"`
	TotalSize      int64  `json:"total_size"`
}

// JobStatusResponse reports compression job progress.
type JobStatusResponse struct {
	JobID       uint64 `json:"job_id"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	CurrentFile string `json:"current_file,omitempty"`
	Error       string `json:"error,omitempty"`
}
