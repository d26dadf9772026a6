package service

import (
	"CloudBox/internal/dto"
	"CloudBox/internal/repo"
	"CloudBox/internal/storage"
	"CloudBox/model"
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTestUpload(t *testing.T, userID uint64, size int64, chunks int) *dto.UploadInitResponse {
	t.Helper()
	resp, err := InitUpload(context.Background(), dto.UploadInitRequest{
		UserId:      userID,
		FileName:    "report.pdf",
		MimeType:    "application/pdf",
		TotalSize:   size,
		TotalChunks: chunks,
	})
	require.NoError(t, err)
	return resp
}

func sendChunk(t *testing.T, userID uint64, uploadID string, index int, payload []byte) (*dto.ChunkUploadResponse, error) {
	t.Helper()
	return ReceiveChunk(context.Background(), userID, uploadID, index,
		bytes.NewReader(payload), int64(len(payload)))
}

func TestInitUploadValidation(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 1 << 20)

	cases := []struct {
		name string
		req  dto.UploadInitRequest
		code string
	}{
		{"path in name", dto.UploadInitRequest{FileName: "../../etc/passwd", TotalSize: 10, TotalChunks: 1}, CodeInvalidInput},
		{"denied extension", dto.UploadInitRequest{FileName: "installer.exe", TotalSize: 10, TotalChunks: 1}, CodeDangerousExtension},
		{"zero chunks", dto.UploadInitRequest{FileName: "a.txt", TotalSize: 10, TotalChunks: 0}, CodeInvalidInput},
		{"zero size", dto.UploadInitRequest{FileName: "a.txt", TotalSize: 0, TotalChunks: 1}, CodeInvalidInput},
		{"over quota", dto.UploadInitRequest{FileName: "a.txt", TotalSize: 2 << 20, TotalChunks: 1}, CodeQuotaExceeded},
		{"unknown folder", dto.UploadInitRequest{FileName: "a.txt", TotalSize: 10, TotalChunks: 1, FolderID: 987654}, CodeInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.UserId = user.ID
			_, err := InitUpload(context.Background(), tc.req)
			require.Error(t, err)
			svcErr, ok := AsServiceError(err)
			require.True(t, ok)
			assert.Equal(t, tc.code, svcErr.Code)
		})
	}

	// 校验失败不能占用配额
	got := reloadUser(t, user.ID)
	assert.Equal(t, int64(0), got.TempStorage)
}

func TestChunkUploadAssemblesFile(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 1<<20)

	part0 := bytes.Repeat([]byte("a"), 1024)
	part1 := bytes.Repeat([]byte("b"), 1024)
	init := initTestUpload(t, user.ID, 2048, 2)

	resp, err := sendChunk(t, user.ID, init.UploadID, 0, part0)
	require.NoError(t, err)
	assert.False(t, resp.Completed)
	assert.Equal(t, 1, resp.UploadedChunks)

	// 同一分片重传 计数不变
	resp, err = sendChunk(t, user.ID, init.UploadID, 0, part0)
	require.NoError(t, err)
	assert.False(t, resp.Completed)
	assert.Equal(t, 1, resp.UploadedChunks)

	resp, err = sendChunk(t, user.ID, init.UploadID, 1, part1)
	require.NoError(t, err)
	assert.True(t, resp.Completed)
	require.NotNil(t, resp.File)
	assert.Equal(t, int64(2048), resp.File.Size)
	assert.Equal(t, "report.pdf", resp.File.Name)

	session, err := GetUploadSession(context.Background(), init.UploadID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadStatusCompleted, session.Status)

	got := reloadUser(t, user.ID)
	assert.Equal(t, int64(2048), got.StorageUsed)
	assert.Equal(t, int64(0), got.TempStorage)

	// blob 内容与分片拼接结果一致
	var file model.UserFile
	require.NoError(t, repo.Db.Where("id = ?", resp.File.ID).First(&file).Error)
	reader, _, err := storage.Default.GetObject(context.Background(), file.ObjectKey)
	require.NoError(t, err)
	defer reader.Close()
	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, part0...), part1...), content)

	// chunk 行和 staging 目录都应清掉
	received, err := CountReceivedChunks(init.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 0, received)
	_, statErr := os.Stat(ChunkDir(init.UploadID))
	assert.True(t, os.IsNotExist(statErr))
}

func TestOutOfOrderChunksAssemble(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 1<<20)
	init := initTestUpload(t, user.ID, 30, 3)

	_, err := sendChunk(t, user.ID, init.UploadID, 2, []byte(strings.Repeat("c", 10)))
	require.NoError(t, err)
	_, err = sendChunk(t, user.ID, init.UploadID, 0, []byte(strings.Repeat("a", 10)))
	require.NoError(t, err)
	resp, err := sendChunk(t, user.ID, init.UploadID, 1, []byte(strings.Repeat("b", 10)))
	require.NoError(t, err)
	require.True(t, resp.Completed)

	var file model.UserFile
	require.NoError(t, repo.Db.Where("id = ?", resp.File.ID).First(&file).Error)
	reader, _, err := storage.Default.GetObject(context.Background(), file.ObjectKey)
	require.NoError(t, err)
	defer reader.Close()
	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaabbbbbbbbbbcccccccccc", string(content))
}

func TestSizeMismatchFailsSession(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 1<<20)
	init := initTestUpload(t, user.ID, 2048, 2)

	_, err := sendChunk(t, user.ID, init.UploadID, 0, bytes.Repeat([]byte("a"), 1024))
	require.NoError(t, err)
	_, err = sendChunk(t, user.ID, init.UploadID, 1, bytes.Repeat([]byte("b"), 500))
	require.Error(t, err)
	svcErr, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, CodeSizeMismatch, svcErr.Code)

	session, err := getUploadSessionFresh(init.UploadID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadStatusFailed, session.Status)

	// 预留全额退回
	got := reloadUser(t, user.ID)
	assert.Equal(t, int64(0), got.TempStorage)
	assert.Equal(t, int64(0), got.StorageUsed)

	// 失败后继续传分片直接拒绝
	_, err = sendChunk(t, user.ID, init.UploadID, 0, []byte("x"))
	svcErr, ok = AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, CodeSessionNotUploading, svcErr.Code)
}

func TestChunkValidation(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 1<<20)
	other := createTestUser(t, 1<<20)
	init := initTestUpload(t, user.ID, 100, 2)

	_, err := sendChunk(t, user.ID, init.UploadID, 5, []byte("x"))
	svcErr, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidChunk, svcErr.Code)

	_, err = sendChunk(t, user.ID, init.UploadID, -1, []byte("x"))
	svcErr, ok = AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidChunk, svcErr.Code)

	// 他人会话对请求方不可见
	_, err = sendChunk(t, other.ID, init.UploadID, 0, []byte("x"))
	svcErr, ok = AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, CodeUploadNotFound, svcErr.Code)

	_, err = sendChunk(t, user.ID, "no-such-upload", 0, []byte("x"))
	svcErr, ok = AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, CodeUploadNotFound, svcErr.Code)
}

func TestAbortUploadReleasesEverything(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 1<<20)
	init := initTestUpload(t, user.ID, 2048, 2)

	_, err := sendChunk(t, user.ID, init.UploadID, 0, bytes.Repeat([]byte("a"), 1024))
	require.NoError(t, err)

	require.NoError(t, AbortUpload(context.Background(), user.ID, init.UploadID))

	got := reloadUser(t, user.ID)
	assert.Equal(t, int64(0), got.TempStorage)

	_, statErr := os.Stat(ChunkDir(init.UploadID))
	assert.True(t, os.IsNotExist(statErr))

	err = AbortUpload(context.Background(), user.ID, init.UploadID)
	svcErr, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, CodeUploadNotFound, svcErr.Code)
}

func TestMergeFlipSingleWinner(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 1<<20)
	ctx := context.Background()
	init := initTestUpload(t, user.ID, 2048, 2)

	_, err := sendChunk(t, user.ID, init.UploadID, 0, bytes.Repeat([]byte("a"), 1024))
	require.NoError(t, err)

	// 两个并发的末块请求只有一个能完成状态翻转
	won, err := MarkUploadMerging(ctx, init.UploadID)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = MarkUploadMerging(ctx, init.UploadID)
	require.NoError(t, err)
	assert.False(t, won)

	// A chunk arriving while another request holds the merge flip is
	// rejected instead of starting a second assembly.
	_, err = sendChunk(t, user.ID, init.UploadID, 1, bytes.Repeat([]byte("b"), 1024))
	svcErr, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, CodeSessionNotUploading, svcErr.Code)
}

func TestRepeatedLastChunkYieldsOneFile(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 1<<20)
	init := initTestUpload(t, user.ID, 2048, 2)

	_, err := sendChunk(t, user.ID, init.UploadID, 0, bytes.Repeat([]byte("a"), 1024))
	require.NoError(t, err)
	resp, err := sendChunk(t, user.ID, init.UploadID, 1, bytes.Repeat([]byte("b"), 1024))
	require.NoError(t, err)
	require.True(t, resp.Completed)

	// 末块重复投递 不允许产生第二个文件
	_, err = sendChunk(t, user.ID, init.UploadID, 1, bytes.Repeat([]byte("b"), 1024))
	svcErr, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, CodeSessionNotUploading, svcErr.Code)

	var count int64
	require.NoError(t, repo.Db.Model(&model.UserFile{}).
		Where("user_id = ? AND name = ?", user.ID, "report.pdf").
		Count(&count).Error)
	assert.Equal(t, int64(1), count)

	got := reloadUser(t, user.ID)
	assert.Equal(t, int64(2048), got.StorageUsed)
	assert.Equal(t, int64(0), got.TempStorage)
}
