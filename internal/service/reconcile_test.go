package service

import (
	"CloudBox/internal/repo"
	"CloudBox/model"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"CloudBox/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func backdateSession(t *testing.T, uploadID string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	require.NoError(t, repo.Db.Model(&model.UploadSession{}).
		Where("upload_id = ?", uploadID).
		UpdateColumn("updated_at", old).Error)
}

func TestSweepStaleSessions(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 1 << 20)

	stale := initTestUpload(t, user.ID, 2048, 2)
	_, err := sendChunk(t, user.ID, stale.UploadID, 0, bytes.Repeat([]byte("a"), 1024))
	require.NoError(t, err)
	backdateSession(t, stale.UploadID, 48*time.Hour)

	fresh := initTestUpload(t, user.ID, 512, 1)

	swept, err := SweepStaleSessions(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	// 过期会话整体清掉 预留退回
	_, err = getUploadSessionFresh(stale.UploadID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, statErr := os.Stat(ChunkDir(stale.UploadID))
	assert.True(t, os.IsNotExist(statErr))

	got := reloadUser(t, user.ID)
	assert.Equal(t, int64(512), got.TempStorage)

	// 新会话不受影响
	session, err := getUploadSessionFresh(fresh.UploadID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadStatusUploading, session.Status)
}

func TestSweepStaleSessionsIdempotent(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 1 << 20)
	init := initTestUpload(t, user.ID, 100, 1)
	backdateSession(t, init.UploadID, 48*time.Hour)

	swept, err := SweepStaleSessions(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	swept, err = SweepStaleSessions(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	got := reloadUser(t, user.ID)
	assert.Equal(t, int64(0), got.TempStorage)
}

func TestSweepOrphanChunkDirs(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 1 << 20)

	live := initTestUpload(t, user.ID, 100, 2)
	_, err := sendChunk(t, user.ID, live.UploadID, 0, []byte("abc"))
	require.NoError(t, err)

	orphanDir := filepath.Join(config.StorageConfigInstance.ChunkRoot, "dead-upload-id")
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(orphanDir, "0"), []byte("junk"), 0o644))

	swept, err := SweepOrphanChunkDirs(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, swept, 1)

	_, statErr := os.Stat(orphanDir)
	assert.True(t, os.IsNotExist(statErr))

	// 活跃会话的目录保留
	_, statErr = os.Stat(ChunkDir(live.UploadID))
	assert.NoError(t, statErr)
}

func TestSweepOrphanChunkDirsDropsTerminalRows(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 1<<20)

	done := initTestUpload(t, user.ID, 2048, 2)
	_, err := sendChunk(t, user.ID, done.UploadID, 0, bytes.Repeat([]byte("a"), 1024))
	require.NoError(t, err)

	// 会话已终结 预留已结清 只剩目录没清
	require.NoError(t, repo.Db.Model(&model.UploadSession{}).
		Where("upload_id = ?", done.UploadID).
		UpdateColumn("status", model.UploadStatusFailed).Error)
	require.NoError(t, ReleaseTemp(user.ID, 2048))

	swept, err := SweepOrphanChunkDirs(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, swept, 1)

	_, statErr := os.Stat(ChunkDir(done.UploadID))
	assert.True(t, os.IsNotExist(statErr))

	// 终态行连同分片记录一并清除
	_, err = getUploadSessionFresh(done.UploadID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	received, err := CountReceivedChunks(done.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 0, received)

	got := reloadUser(t, user.ID)
	assert.Equal(t, int64(0), got.TempStorage)
}
