package service

import (
	"CloudBox/config"
	"CloudBox/internal/dto"
	"CloudBox/internal/repo"
	"CloudBox/model"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/context"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReceiveChunk accepts one chunk, stages it on disk, records it and triggers
// assembly when the session is complete. Re-sending an index overwrites the
// earlier bytes and does not raise the received count.
func ReceiveChunk(
	ctx context.Context,
	userID uint64,
	uploadID string,
	chunkIndex int,
	src io.Reader,
	size int64,
) (*dto.ChunkUploadResponse, error) {
	session, err := getUploadSessionFresh(uploadID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewError(http.StatusNotFound, CodeUploadNotFound, "upload session not found")
		}
		return nil, err
	}
	if session.UserID != userID {
		return nil, NewError(http.StatusNotFound, CodeUploadNotFound, "upload session not found")
	}
	if session.Status != model.UploadStatusUploading {
		return nil, NewError(http.StatusConflict, CodeSessionNotUploading,
			"upload session is "+session.Status)
	}
	if chunkIndex < 0 || chunkIndex >= session.TotalChunks {
		return nil, NewError(http.StatusBadRequest, CodeInvalidChunk, "chunk index out of range")
	}
	if max := config.StorageConfigInstance.MaxChunkBytes; max > 0 && size > max {
		return nil, NewError(http.StatusBadRequest, CodeInvalidChunk, "chunk too large")
	}

	written, err := writeChunkFile(uploadID, chunkIndex, src)
	if err != nil {
		return nil, err
	}

	chunk := model.FileChunk{
		UploadID:    uploadID,
		ChunkIndex:  chunkIndex,
		ChunkSize:   written,
		StoragePath: ChunkPath(uploadID, chunkIndex),
		ReceivedAt:  time.Now(),
	}
	// 并发上传时 同一个分片被多次提交 导致数据库的混乱 所以需要幂等
	if err := repo.Db.
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "upload_id"},
				{Name: "chunk_index"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"chunk_size",
				"storage_path",
				"received_at",
				"updated_at",
			}),
		}).
		Create(&chunk).Error; err != nil {
		return nil, err
	}

	received, err := CountReceivedChunks(uploadID)
	if err != nil {
		return nil, err
	}
	if received < session.TotalChunks {
		return &dto.ChunkUploadResponse{
			Completed:      false,
			UploadedChunks: received,
		}, nil
	}

	won, err := MarkUploadMerging(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if !won {
		// Another request is assembling; report progress only.
		return &dto.ChunkUploadResponse{
			Completed:      false,
			UploadedChunks: received,
		}, nil
	}

	file, err := assembleLocked(ctx, session)
	if err != nil {
		return nil, err
	}
	return &dto.ChunkUploadResponse{
		Completed:      true,
		UploadedChunks: received,
		File: &dto.FileDTO{
			ID:        file.ID,
			Name:      file.Name,
			Size:      file.Size,
			MimeType:  file.MimeType,
			ParentID:  file.ParentID,
			CreatedAt: file.CreatedAt,
		},
	}, nil
}

// writeChunkFile stages chunk bytes at the per-session path. Temp file plus
// rename keeps a retried write from ever exposing a half chunk.
func writeChunkFile(uploadID string, chunkIndex int, src io.Reader) (int64, error) {
	dir := ChunkDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, ".chunk-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	written, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	final := ChunkPath(uploadID, chunkIndex)
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	return written, nil
}

// assembleLocked runs assembly under the cross-instance merge lock. The DB
// status flip is the real gate; the redis lock keeps a second instance from
// even starting when both saw the last chunk.
func assembleLocked(ctx context.Context, session *model.UploadSession) (*model.UserFile, error) {
	if repo.Redis != nil {
		lock := repo.NewRedisLock(repo.Redis, "lock:merge:"+session.UploadID, 5*time.Minute)
		if err := lock.Lock(ctx); err != nil {
			log.Printf("merge lock %s: %v", session.UploadID, err)
		} else {
			defer lock.Unlock(ctx)
		}
	}
	return AssembleUpload(ctx, session.UploadID)
}
