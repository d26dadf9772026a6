package task

import (
	"CloudBox/config"
	"CloudBox/internal/repo"
	"CloudBox/internal/service"
	"CloudBox/internal/storage"
	"CloudBox/model"
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	taskTestOnce sync.Once
	taskUserSeq  uint64
)

func setupTaskTest(t *testing.T) {
	t.Helper()
	taskTestOnce.Do(func() {
		root, err := os.MkdirTemp("", "cloudbox-task-test-")
		if err != nil {
			panic(err)
		}
		os.Setenv("STORAGE_ROOT", root)
		config.InitConfig()
		repo.InitSqliteTest()
		local, err := storage.NewLocalStore(config.StorageConfigInstance.DataRoot)
		if err != nil {
			panic(err)
		}
		storage.Default = local
	})
}

func createTaskTestUser(t *testing.T, quota int64) *model.User {
	t.Helper()
	seq := atomic.AddUint64(&taskUserSeq, 1)
	user := &model.User{
		UserName:     fmt.Sprintf("taskuser%d", seq),
		Email:        fmt.Sprintf("taskuser%d@test.local", seq),
		IsActive:     true,
		StorageQuota: quota,
	}
	require.NoError(t, repo.Db.Create(user).Error)
	return user
}

func putTaskTestFile(t *testing.T, user *model.User, name string, content []byte) *model.UserFile {
	t.Helper()
	objectKey := service.BuildObjectName(user.UserName, name)
	require.NoError(t, storage.Default.PutObject(context.Background(), objectKey,
		bytes.NewReader(content), int64(len(content)), storage.PutOptions{}))
	file := &model.UserFile{
		UserID:    user.ID,
		Name:      name,
		ObjectKey: objectKey,
		Size:      int64(len(content)),
	}
	require.NoError(t, repo.Db.Create(file).Error)
	return file
}

// newJobRow persists a job without going through the publishing path, so
// tests do not need a message broker.
func newJobRow(t *testing.T, user *model.User, jobType, format string, fileIDs []uint64, outputName string) *model.CompressionJob {
	t.Helper()
	inputs, err := json.Marshal(fileIDs)
	require.NoError(t, err)
	job := &model.CompressionJob{
		UserID:     user.ID,
		Type:       jobType,
		Format:     format,
		InputPaths: string(inputs),
		OutputPath: outputName,
		Status:     model.JobStatusPending,
	}
	require.NoError(t, repo.Db.Create(job).Error)
	return job
}

func reloadJob(t *testing.T, jobID uint64) *model.CompressionJob {
	t.Helper()
	var job model.CompressionJob
	require.NoError(t, repo.Db.Where("id = ?", jobID).First(&job).Error)
	return &job
}

func TestFormatFromName(t *testing.T) {
	cases := map[string]string{
		"a.zip":       service.FormatZip,
		"A.ZIP":       service.FormatZip,
		"b.tar.gz":    service.FormatTarGz,
		"b.tgz":       service.FormatTarGz,
		"c.7z":        service.Format7z,
		"notes.txt":   "",
		"archive.rar": "",
	}
	for name, want := range cases {
		got, ok := formatFromName(name)
		if want == "" {
			assert.False(t, ok, name)
			continue
		}
		require.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
}

func TestProcessCompressJob(t *testing.T) {
	setupTaskTest(t)
	user := createTaskTestUser(t, 1 << 20)
	f1 := putTaskTestFile(t, user, "one.txt", []byte("first file"))
	f2 := putTaskTestFile(t, user, "two.txt", []byte("second file"))

	job := newJobRow(t, user, model.JobTypeCompress, service.FormatZip,
		[]uint64{f1.ID, f2.ID}, "bundle.zip")

	require.NoError(t, ProcessCompressionJob(context.Background(), job.ID))

	got := reloadJob(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.FinishedAt)

	var out model.UserFile
	require.NoError(t, repo.Db.
		Where("user_id = ? AND name = ? AND is_deleted = 0", user.ID, "bundle.zip").
		First(&out).Error)
	assert.Greater(t, out.Size, int64(0))
	assert.Equal(t, "application/zip", out.MimeType)

	// 产物按落盘大小计入配额
	gotUser := &model.User{}
	require.NoError(t, repo.Db.Where("id = ?", user.ID).First(gotUser).Error)
	assert.Equal(t, out.Size, gotUser.StorageUsed)
	assert.Equal(t, int64(0), gotUser.TempStorage)
}

func TestProcessDecompressJob(t *testing.T) {
	setupTaskTest(t)
	user := createTaskTestUser(t, 1 << 20)
	f1 := putTaskTestFile(t, user, "keep.txt", []byte("keep me"))
	danger := putTaskTestFile(t, user, "run.sh", []byte("#!/bin/sh"))

	compressJob := newJobRow(t, user, model.JobTypeCompress, service.FormatZip,
		[]uint64{f1.ID, danger.ID}, "mixed.zip")
	require.NoError(t, ProcessCompressionJob(context.Background(), compressJob.ID))

	var archiveFile model.UserFile
	require.NoError(t, repo.Db.
		Where("user_id = ? AND name = ?", user.ID, "mixed.zip").
		First(&archiveFile).Error)

	folder, err := service.CreateUserDir(user.ID, "unpacked", nil)
	require.NoError(t, err)
	decompressJob := &model.CompressionJob{
		UserID:         user.ID,
		Type:           model.JobTypeDecompress,
		Format:         service.FormatZip,
		InputPaths:     fmt.Sprintf("[%d]", archiveFile.ID),
		TargetFolderID: &folder.ID,
		Status:         model.JobStatusPending,
	}
	require.NoError(t, repo.Db.Create(decompressJob).Error)

	require.NoError(t, ProcessCompressionJob(context.Background(), decompressJob.ID))

	got := reloadJob(t, decompressJob.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)

	var restored model.UserFile
	require.NoError(t, repo.Db.
		Where("user_id = ? AND parent_id = ? AND name = ?", user.ID, folder.ID, "keep.txt").
		First(&restored).Error)
	assert.Equal(t, int64(len("keep me")), restored.Size)

	// 危险扩展名的文件被跳过
	var count int64
	require.NoError(t, repo.Db.Model(&model.UserFile{}).
		Where("user_id = ? AND parent_id = ? AND name = ?", user.ID, folder.ID, "run.sh").
		Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestDecompressQuotaBreachRollsBackImports(t *testing.T) {
	setupTaskTest(t)
	// 配额只够解出第一个文件
	user := createTaskTestUser(t, 400)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"a.txt", "b.txt"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(bytes.Repeat([]byte("x"), 300))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	archiveFile := putTaskTestFile(t, user, "two.zip", buf.Bytes())

	folder, err := service.CreateUserDir(user.ID, "partial", nil)
	require.NoError(t, err)
	job := &model.CompressionJob{
		UserID:         user.ID,
		Type:           model.JobTypeDecompress,
		Format:         service.FormatZip,
		InputPaths:     fmt.Sprintf("[%d]", archiveFile.ID),
		TargetFolderID: &folder.ID,
		Status:         model.JobStatusPending,
	}
	require.NoError(t, repo.Db.Create(job).Error)

	err = ProcessCompressionJob(context.Background(), job.ID)
	require.Error(t, err)
	assert.True(t, service.IsQuotaExceeded(err))
	MarkCompressionJobFailed(job.ID, err)

	got := reloadJob(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)

	// 失败的导入不留半成品 行与配额都要回到解压前
	var count int64
	require.NoError(t, repo.Db.Model(&model.UserFile{}).
		Where("user_id = ? AND parent_id = ?", user.ID, folder.ID).
		Count(&count).Error)
	assert.Equal(t, int64(0), count)

	gotUser := &model.User{}
	require.NoError(t, repo.Db.Where("id = ?", user.ID).First(gotUser).Error)
	assert.Equal(t, int64(0), gotUser.StorageUsed)
	assert.Equal(t, int64(0), gotUser.TempStorage)
}

func TestProcessJobSkipsClaimedOrTerminal(t *testing.T) {
	setupTaskTest(t)
	user := createTaskTestUser(t, 1 << 20)
	f := putTaskTestFile(t, user, "skip.txt", []byte("x"))

	job := newJobRow(t, user, model.JobTypeCompress, service.FormatZip,
		[]uint64{f.ID}, "skip.zip")
	require.NoError(t, repo.Db.Model(job).Update("status", model.JobStatusCancelled).Error)

	require.NoError(t, ProcessCompressionJob(context.Background(), job.ID))
	got := reloadJob(t, job.ID)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
}

func TestCancelCompressionJob(t *testing.T) {
	setupTaskTest(t)
	user := createTaskTestUser(t, 1 << 20)
	f := putTaskTestFile(t, user, "cancel.txt", []byte("x"))

	job := newJobRow(t, user, model.JobTypeCompress, service.FormatZip,
		[]uint64{f.ID}, "cancel.zip")
	require.NoError(t, CancelCompressionJob(context.Background(), user.ID, job.ID))

	got := reloadJob(t, job.ID)
	assert.Equal(t, model.JobStatusCancelled, got.Status)

	// 终态任务再取消应当冲突
	err := CancelCompressionJob(context.Background(), user.ID, job.ID)
	svcErr, ok := service.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, service.CodeJobNotCancellable, svcErr.Code)

	// 其他用户不可见
	other := createTaskTestUser(t, 1 << 20)
	err = CancelCompressionJob(context.Background(), other.ID, job.ID)
	svcErr, ok = service.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, service.CodeJobNotFound, svcErr.Code)
}

func TestRequeueCompressionJob(t *testing.T) {
	setupTaskTest(t)
	user := createTaskTestUser(t, 1 << 20)
	f := putTaskTestFile(t, user, "requeue.txt", []byte("x"))

	job := newJobRow(t, user, model.JobTypeCompress, service.FormatZip,
		[]uint64{f.ID}, "requeue.zip")
	require.NoError(t, repo.Db.Model(job).Update("status", model.JobStatusProcessing).Error)

	require.NoError(t, RequeueCompressionJob(job.ID, 2, fmt.Errorf("transient")))
	got := reloadJob(t, job.ID)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, 2, got.RetryCount)

	// 已取消的任务不能被重排
	require.NoError(t, repo.Db.Model(job).Update("status", model.JobStatusCancelled).Error)
	require.NoError(t, RequeueCompressionJob(job.ID, 3, fmt.Errorf("transient")))
	got = reloadJob(t, job.ID)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
}
