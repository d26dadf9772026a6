package config

import (
	"path/filepath"
	"sync"
)

// StorageConfig holds on-disk layout and archive limits.
type StorageConfig struct {
	DataRoot  string `json:"data_root"`  // 永久文件落盘根目录 (local 后端)
	ChunkRoot string `json:"chunk_root"` // 分片暂存根目录 按 upload_id 分目录
	WorkRoot  string `json:"work_root"`  // 压缩/解压任务的工作目录

	MaxChunks     int   `json:"max_chunks"`      // 单次上传最大分片数
	MaxChunkBytes int64 `json:"max_chunk_bytes"` // 单个分片大小上限

	MaxArchiveEntries   int   `json:"max_archive_entries"`    // 解压条目数上限
	MaxArchiveTotalSize int64 `json:"max_archive_total_size"` // 解压累计大小上限
	MaxArchiveFileSize  int64 `json:"max_archive_file_size"`  // 解压单文件大小上限
	MaxTreeDepth        int   `json:"max_tree_depth"`         // 目录遍历深度上限

	SevenZipBinary string `json:"seven_zip_binary"`

	DeniedExtensions []string `json:"denied_extensions"`
}

var StorageConfigInstance *StorageConfig
var storageConfigOnce sync.Once

// InitStorageConfig initializes storage config.
func InitStorageConfig() {
	storageConfigOnce.Do(func() {
		base := getEnv("STORAGE_ROOT", "./storage")
		StorageConfigInstance = &StorageConfig{
			DataRoot:  getEnv("DATA_ROOT", filepath.Join(base, "data")),
			ChunkRoot: getEnv("CHUNK_ROOT", filepath.Join(base, "chunks")),
			WorkRoot:  getEnv("WORK_ROOT", filepath.Join(base, "work")),

			MaxChunks:     getEnvInt("MAX_CHUNKS", 10000),
			MaxChunkBytes: getEnvInt64("MAX_CHUNK_BYTES", 64*1024*1024),

			MaxArchiveEntries:   getEnvInt("MAX_ARCHIVE_ENTRIES", 10000),
			MaxArchiveTotalSize: getEnvInt64("MAX_ARCHIVE_TOTAL_SIZE", 10*1024*1024*1024),
			MaxArchiveFileSize:  getEnvInt64("MAX_ARCHIVE_FILE_SIZE", 4*1024*1024*1024),
			MaxTreeDepth:        getEnvInt("MAX_TREE_DEPTH", 64),

			SevenZipBinary: getEnv("SEVEN_ZIP_BINARY", "7z"),

			DeniedExtensions: []string{
				".exe", ".bat", ".cmd", ".com", ".msi", ".scr", ".pif",
				".sh", ".bash", ".ps1", ".psm1", ".vbs", ".js", ".jse",
				".wsf", ".wsh", ".jar", ".hta", ".cpl", ".reg",
			},
		}
	})
}
