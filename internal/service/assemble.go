package service

import (
	"CloudBox/config"
	"CloudBox/internal/repo"
	"CloudBox/internal/storage"
	"CloudBox/model"
	"CloudBox/utils"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/net/context"
	"gorm.io/gorm"
)

/*
合并流程 任何一步失败都必须走 failAssembly 否则预留的 TempStorage 就泄漏了
文件实体创建 CommitTemp 状态落为 COMPLETED 三者在同一个数据库事务里
崩在事务前 blob 是孤儿 由 Reconciler 回收 崩在事务后只剩 staging 目录 同样由它回收
*/

// AssembleUpload concatenates the staged chunks of a MERGING session into the
// permanent blob, verifies the declared size and finalizes the ledger.
func AssembleUpload(ctx context.Context, uploadID string) (*model.UserFile, error) {
	session, err := getUploadSessionFresh(uploadID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.UploadStatusMerging {
		return nil, NewError(http.StatusConflict, CodeSessionNotUploading,
			"upload session is "+session.Status)
	}

	var chunks []model.FileChunk
	if err := repo.Db.
		Where("upload_id = ?", uploadID).
		Order("chunk_index asc").
		Find(&chunks).Error; err != nil {
		return nil, err
	}
	if len(chunks) != session.TotalChunks {
		return nil, failAssembly(ctx, session,
			NewError(http.StatusConflict, CodeInvalidChunk, "chunks not complete"))
	}

	tmpPath, written, err := concatChunks(session, chunks)
	if err != nil {
		return nil, failAssembly(ctx, session, err)
	}
	if written != session.TotalSize {
		_ = os.Remove(tmpPath)
		return nil, failAssembly(ctx, session,
			NewError(http.StatusConflict, CodeSizeMismatch,
				fmt.Sprintf("assembled %d bytes, expected %d", written, session.TotalSize)))
	}

	userName, err := FindUserNameById(session.UserID)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, failAssembly(ctx, session, err)
	}
	objectKey := BuildObjectName(userName, session.UploadID)
	if err := storage.Default.PutFile(ctx, objectKey, tmpPath, storage.PutOptions{
		ContentType: session.MimeType,
	}); err != nil {
		_ = os.Remove(tmpPath)
		return nil, failAssembly(ctx, session, err)
	}

	file := &model.UserFile{
		UserID:    session.UserID,
		ParentID:  session.FolderID,
		Name:      session.FileName,
		IsDir:     false,
		ObjectKey: objectKey,
		Size:      session.TotalSize,
		MimeType:  session.MimeType,
	}
	err = repo.Db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.UploadSession{}).
			Where("upload_id = ? AND status = ?", uploadID, model.UploadStatusMerging).
			Update("status", model.UploadStatusCompleted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.New("session left MERGING during assembly")
		}
		if err := tx.Create(file).Error; err != nil {
			return err
		}
		if err := commitTempTx(tx, session.UserID, session.TotalSize); err != nil {
			return err
		}
		return tx.Where("upload_id = ?", uploadID).Delete(&model.FileChunk{}).Error
	})
	if err != nil {
		// The blob is already in the store; take it back out before failing
		// so storage and ledger agree again.
		if rmErr := storage.Default.RemoveObject(ctx, objectKey); rmErr != nil {
			log.Printf("assemble %s: remove blob after tx failure: %v", uploadID, rmErr)
		}
		return nil, failAssembly(ctx, session, err)
	}

	_ = utils.InvalidateUploadSessionCache(ctx, uploadID)
	cleanupStaging(uploadID)
	return file, nil
}

// concatChunks streams every staged chunk, in index order, into one temp
// file. Never buffers a whole chunk in memory.
func concatChunks(session *model.UploadSession, chunks []model.FileChunk) (string, int64, error) {
	workDir := config.StorageConfigInstance.WorkRoot
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", 0, err
	}
	out, err := os.CreateTemp(workDir, "assemble-*")
	if err != nil {
		return "", 0, err
	}
	outPath := out.Name()

	var written int64
	for i, chunk := range chunks {
		if chunk.ChunkIndex != i {
			_ = out.Close()
			_ = os.Remove(outPath)
			return "", 0, NewError(http.StatusConflict, CodeInvalidChunk,
				fmt.Sprintf("missing chunk %d", i))
		}
		n, err := appendChunk(out, chunk.StoragePath)
		if err != nil {
			_ = out.Close()
			_ = os.Remove(outPath)
			return "", 0, err
		}
		written += n
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outPath)
		return "", 0, err
	}
	return outPath, written, nil
}

func appendChunk(dst *os.File, path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return io.Copy(dst, src)
}

// failAssembly is the single failure path: FAILED status, full reservation
// release, chunk rows and staging gone. Idempotent if retried after a crash.
func failAssembly(ctx context.Context, session *model.UploadSession, cause error) error {
	err := repo.Db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.UploadSession{}).
			Where("upload_id = ? AND status IN ?", session.UploadID,
				[]string{model.UploadStatusUploading, model.UploadStatusMerging}).
			Updates(map[string]interface{}{
				"status":     model.UploadStatusFailed,
				"failed_msg": cause.Error(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Already terminal; the reservation was settled by whoever got
			// there first.
			return nil
		}
		if err := tx.Where("upload_id = ?", session.UploadID).Delete(&model.FileChunk{}).Error; err != nil {
			return err
		}
		if err := releaseTempTx(tx, session.UserID, session.TotalSize); err != nil &&
			!errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		log.Printf("assemble %s: cleanup failed: %v (cause: %v)", session.UploadID, err, cause)
	}
	_ = utils.InvalidateUploadSessionCache(ctx, session.UploadID)
	cleanupStaging(session.UploadID)
	return cause
}

func cleanupStaging(uploadID string) {
	dir := ChunkDir(uploadID)
	if filepath.Clean(dir) == filepath.Clean(config.StorageConfigInstance.ChunkRoot) {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("remove staging dir %s failed: %v", dir, err)
	}
}
