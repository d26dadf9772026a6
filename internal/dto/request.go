package dto

type UploadInitRequest struct {
	UserId      uint64 `json:"-"`
	FileName    string `json:"file_name" binding:"required"`
	MimeType    string `json:"mime_type"`
	TotalSize   int64  `json:"total_size" binding:"required"`
	TotalChunks int    `json:"total_chunks" binding:"required"`
	FolderID    uint64 `json:"folder_id"`
}

type UploadAbortRequest struct {
	UploadID string `json:"upload_id" binding:"required"`
}

type CompressRequest struct {
	FileIDs    []uint64 `json:"file_ids" binding:"required"`
	Format     string   `json:"format" binding:"required"`
	OutputName string   `json:"output_name"`
	FolderID   uint64   `json:"folder_id"`
}

type DecompressRequest struct {
	FileID         uint64 `json:"file_id" binding:"required"`
	TargetFolderID uint64 `json:"target_folder_id"`
}

type DownloadRequest struct {
	FileID uint64 `json:"file_id" binding:"required"`
}
