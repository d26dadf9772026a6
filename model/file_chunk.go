package model

import "time"

type FileChunk struct {
	ID uint64 `gorm:"primaryKey"`

	UploadID string `gorm:"column:upload_id;size:36;not null;uniqueIndex:idx_upload_chunk"`

	ChunkIndex  int    `gorm:"column:chunk_index;not null;uniqueIndex:idx_upload_chunk"`
	ChunkSize   int64  `gorm:"column:chunk_size;not null"`
	StoragePath string `gorm:"column:storage_path;size:512;not null"`

	ReceivedAt time.Time `gorm:"column:received_at;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the database table name.
func (FileChunk) TableName() string {
	return "file_chunk"
}

/*
(upload_id, chunk_index) 上的唯一索引保证同一分片重传时走覆盖而不是重复插入
客户端超时重试同一分片是正常路径 不能把它计成两个分片
*/
