package model

import "time"

// Upload session statuses.
const (
	UploadStatusUploading = "UPLOADING"
	UploadStatusMerging   = "MERGING"
	UploadStatusCompleted = "COMPLETED"
	UploadStatusFailed    = "FAILED"
)

// uploadTransitions lists the legal status transitions. MERGING may only
// leave to COMPLETED or FAILED; terminal states have no exits.
var uploadTransitions = map[string][]string{
	UploadStatusUploading: {UploadStatusMerging, UploadStatusFailed},
	UploadStatusMerging:   {UploadStatusCompleted, UploadStatusFailed},
	UploadStatusCompleted: {},
	UploadStatusFailed:    {},
}

// CanTransitionUpload reports whether from -> to is in the transition table.
func CanTransitionUpload(from, to string) bool {
	for _, next := range uploadTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type UploadSession struct {
	ID uint64 `gorm:"primaryKey"`

	UploadID string `gorm:"column:upload_id;size:36;uniqueIndex;not null"`

	UserID uint64 `gorm:"column:user_id;not null;index"`
	User   User   `gorm:"foreignKey:UserID;references:ID"`

	FileName string `gorm:"column:file_name;size:255;not null"`
	MimeType string `gorm:"column:mime_type;size:127;not null;default:''"`

	TotalSize   int64 `gorm:"column:total_size;not null"`
	TotalChunks int   `gorm:"column:total_chunks;not null"`

	// FolderID 最终文件挂载的目录 根目录为空
	FolderID *uint64 `gorm:"column:folder_id"`

	Status    string `gorm:"column:status;size:16;not null;default:'UPLOADING';index"`
	FailedMsg string `gorm:"column:failed_msg;size:512;not null;default:''"`

	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

// TableName returns the database table name.
func (UploadSession) TableName() string {
	return "upload_session"
}
