package service

import (
	"CloudBox/config"
	"CloudBox/internal/repo"
	"CloudBox/model"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/net/context"
)

// SweepStaleSessions aborts sessions stuck in a non-terminal status past the
// staleness cutoff. Each abort releases the reservation and removes staging
// state; one failing session does not stop the sweep.
func SweepStaleSessions(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	var sessions []model.UploadSession
	err := repo.Db.
		Where("status IN ? AND updated_at < ?",
			[]string{model.UploadStatusUploading, model.UploadStatusMerging}, cutoff).
		Find(&sessions).Error
	if err != nil {
		return 0, err
	}
	swept := 0
	for i := range sessions {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if err := abortSession(ctx, &sessions[i]); err != nil {
			log.Printf("reconciler: abort stale session %s failed: %v", sessions[i].UploadID, err)
			continue
		}
		swept++
	}
	return swept, nil
}

// SweepOrphanChunkDirs removes staging directories whose session no longer
// exists or already reached a terminal status. Chunk dirs are named by
// upload ID, so the directory listing is the source of orphan candidates.
// A terminal session row found behind an orphan dir is removed with it; its
// reservation was already settled when the session finished.
func SweepOrphanChunkDirs(ctx context.Context) (int, error) {
	chunkRoot := config.StorageConfigInstance.ChunkRoot
	entries, err := os.ReadDir(chunkRoot)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if !entry.IsDir() {
			continue
		}
		uploadID := entry.Name()
		var count int64
		err := repo.Db.Model(&model.UploadSession{}).
			Where("upload_id = ? AND status IN ?", uploadID,
				[]string{model.UploadStatusUploading, model.UploadStatusMerging}).
			Count(&count).Error
		if err != nil {
			log.Printf("reconciler: session lookup for %s failed: %v", uploadID, err)
			continue
		}
		if count > 0 {
			continue
		}
		if err := os.RemoveAll(filepath.Join(chunkRoot, uploadID)); err != nil {
			log.Printf("reconciler: remove chunk dir %s failed: %v", uploadID, err)
			continue
		}
		if err := dropTerminalSession(uploadID); err != nil {
			log.Printf("reconciler: drop terminal session %s failed: %v", uploadID, err)
		}
		swept++
	}
	return swept, nil
}

func dropTerminalSession(uploadID string) error {
	if err := repo.Db.
		Where("upload_id = ? AND status IN ?", uploadID,
			[]string{model.UploadStatusCompleted, model.UploadStatusFailed}).
		Delete(&model.UploadSession{}).Error; err != nil {
		return err
	}
	return repo.Db.Where("upload_id = ?", uploadID).Delete(&model.FileChunk{}).Error
}
