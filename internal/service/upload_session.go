package service

import (
	"CloudBox/config"
	"CloudBox/internal/dto"
	"CloudBox/internal/repo"
	"CloudBox/model"
	"CloudBox/utils"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/context"
	"gorm.io/gorm"
)

const uploadSessionCacheTTL = time.Minute

// ChunkDir returns the staging directory for an upload session.
func ChunkDir(uploadID string) string {
	return filepath.Join(config.StorageConfigInstance.ChunkRoot, uploadID)
}

// ChunkPath returns the staging path for one chunk.
func ChunkPath(uploadID string, chunkIndex int) string {
	return filepath.Join(ChunkDir(uploadID), fmt.Sprintf("%d", chunkIndex))
}

// InitUpload validates the request, reserves quota and creates the session.
// The reservation and the session row are one transaction so a failed insert
// cannot strand reserved bytes.
func InitUpload(ctx context.Context, req dto.UploadInitRequest) (*dto.UploadInitResponse, error) {
	cfg := config.StorageConfigInstance
	name := strings.TrimSpace(req.FileName)
	if name == "" || name != filepath.Base(name) {
		return nil, NewError(http.StatusBadRequest, CodeInvalidInput, "invalid file name")
	}
	if utils.HasDeniedExtension(name, cfg.DeniedExtensions) {
		return nil, NewError(http.StatusBadRequest, CodeDangerousExtension, "file type not allowed")
	}
	if req.TotalChunks < 1 || req.TotalChunks > cfg.MaxChunks {
		return nil, NewError(http.StatusBadRequest, CodeInvalidInput,
			fmt.Sprintf("total_chunks must be between 1 and %d", cfg.MaxChunks))
	}
	if req.TotalSize <= 0 {
		return nil, NewError(http.StatusBadRequest, CodeInvalidInput, "total_size must be positive")
	}

	var folderID *uint64
	if req.FolderID != 0 {
		var folder model.UserFile
		if err := repo.Db.
			Where("id = ? AND user_id = ? AND is_dir = 1 AND is_deleted = 0", req.FolderID, req.UserId).
			First(&folder).Error; err != nil {
			return nil, NewError(http.StatusBadRequest, CodeInvalidInput, "target folder not found")
		}
		folderID = &req.FolderID
	}

	session := model.UploadSession{
		UploadID:    utils.GetToken(),
		UserID:      req.UserId,
		FileName:    name,
		MimeType:    req.MimeType,
		TotalSize:   req.TotalSize,
		TotalChunks: req.TotalChunks,
		FolderID:    folderID,
		Status:      model.UploadStatusUploading,
	}
	err := repo.Db.Transaction(func(tx *gorm.DB) error {
		if err := reserveTempTx(tx, req.UserId, req.TotalSize); err != nil {
			return err
		}
		return tx.Create(&session).Error
	})
	if err != nil {
		return nil, err
	}
	return &dto.UploadInitResponse{
		UploadID:     session.UploadID,
		TotalChunks:  session.TotalChunks,
		ReservedSize: session.TotalSize,
	}, nil
}

// GetUploadSession loads a session by upload ID, cache first.
func GetUploadSession(ctx context.Context, uploadID string) (*model.UploadSession, error) {
	if cached, ok := utils.GetUploadSessionFromCache(ctx, uploadID); ok {
		return cached, nil
	}
	var session model.UploadSession
	if err := repo.Db.Where("upload_id = ?", uploadID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewError(http.StatusNotFound, CodeUploadNotFound, "upload session not found")
		}
		return nil, err
	}
	_ = utils.SetUploadSessionToCache(ctx, &session, uploadSessionCacheTTL)
	return &session, nil
}

// getUploadSessionFresh bypasses the cache; status decisions must not run on
// a stale snapshot.
func getUploadSessionFresh(uploadID string) (*model.UploadSession, error) {
	var session model.UploadSession
	if err := repo.Db.Where("upload_id = ?", uploadID).First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// MarkUploadMerging flips UPLOADING -> MERGING. The conditional UPDATE makes
// the flip the assembly lock: exactly one of the racing "last chunk" requests
// sees RowsAffected == 1.
func MarkUploadMerging(ctx context.Context, uploadID string) (bool, error) {
	res := repo.Db.Model(&model.UploadSession{}).
		Where("upload_id = ? AND status = ?", uploadID, model.UploadStatusUploading).
		Update("status", model.UploadStatusMerging)
	if res.Error != nil {
		return false, res.Error
	}
	_ = utils.InvalidateUploadSessionCache(ctx, uploadID)
	return res.RowsAffected == 1, nil
}

// MarkUploadFailed transitions a session to FAILED with a reason. Terminal
// states are left untouched.
func MarkUploadFailed(ctx context.Context, uploadID, reason string) error {
	res := repo.Db.Model(&model.UploadSession{}).
		Where("upload_id = ? AND status IN ?", uploadID,
			[]string{model.UploadStatusUploading, model.UploadStatusMerging}).
		Updates(map[string]interface{}{
			"status":     model.UploadStatusFailed,
			"failed_msg": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	_ = utils.InvalidateUploadSessionCache(ctx, uploadID)
	return nil
}

// CountReceivedChunks counts distinct received chunk indices for a session.
func CountReceivedChunks(uploadID string) (int, error) {
	var count int64
	err := repo.Db.Model(&model.FileChunk{}).
		Where("upload_id = ?", uploadID).
		Count(&count).Error
	return int(count), err
}

// AbortUpload tears a session down: chunk rows, staging files, reservation,
// session row. Safe to call twice; the second call finds nothing.
func AbortUpload(ctx context.Context, userID uint64, uploadID string) error {
	session, err := getUploadSessionFresh(uploadID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewError(http.StatusNotFound, CodeUploadNotFound, "upload session not found")
		}
		return err
	}
	if userID != 0 && session.UserID != userID {
		return NewError(http.StatusNotFound, CodeUploadNotFound, "upload session not found")
	}
	return abortSession(ctx, session)
}

// abortSession is shared by the abort endpoint and the reconciler. Quota is
// only released for sessions that still hold a reservation; COMPLETED already
// moved it to permanent usage and FAILED already gave it back.
func abortSession(ctx context.Context, session *model.UploadSession) error {
	holdsReservation := session.Status == model.UploadStatusUploading ||
		session.Status == model.UploadStatusMerging

	err := repo.Db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", session.ID).Delete(&model.UploadSession{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Someone else removed it first; nothing to release.
			holdsReservation = false
			return nil
		}
		if err := tx.Where("upload_id = ?", session.UploadID).Delete(&model.FileChunk{}).Error; err != nil {
			return err
		}
		if holdsReservation {
			if err := releaseTempTx(tx, session.UserID, session.TotalSize); err != nil &&
				!errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	_ = utils.InvalidateUploadSessionCache(ctx, session.UploadID)
	if err := os.RemoveAll(ChunkDir(session.UploadID)); err != nil {
		log.Printf("abort upload %s: remove staging dir failed: %v", session.UploadID, err)
	}
	return nil
}
