package task

import (
	"CloudBox/config"
	"CloudBox/internal/dto"
	"CloudBox/internal/mq"
	"CloudBox/internal/repo"
	"CloudBox/internal/service"
	"CloudBox/internal/storage"
	"CloudBox/model"
	"CloudBox/utils"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"
)

// CompressionMessage is the payload sent to the archive worker.
type CompressionMessage struct {
	JobID   uint64 `json:"job_id"`
	Attempt int    `json:"attempt"`
}

// CreateCompressionJob validates a compress request, persists the job and
// enqueues it.
func CreateCompressionJob(userID uint64, req dto.CompressRequest) (*model.CompressionJob, error) {
	if !service.ValidFormat(req.Format) {
		return nil, service.NewError(http.StatusBadRequest, service.CodeUnsupportedFormat,
			"unsupported format: "+req.Format)
	}
	if len(req.FileIDs) == 0 {
		return nil, service.NewError(http.StatusBadRequest, service.CodeInvalidInput, "file_ids is empty")
	}
	for _, id := range req.FileIDs {
		if !service.CheckFileOwner(userID, id) {
			return nil, service.NewError(http.StatusNotFound, service.CodeFileNotFound,
				fmt.Sprintf("file %d not found", id))
		}
	}
	outputName := strings.TrimSpace(req.OutputName)
	if outputName == "" {
		outputName = fmt.Sprintf("archive-%s.%s", time.Now().Format("20060102-150405"), req.Format)
	}
	inputs, err := json.Marshal(req.FileIDs)
	if err != nil {
		return nil, err
	}
	var folderID *uint64
	if req.FolderID != 0 {
		folderID = &req.FolderID
	}
	job := &model.CompressionJob{
		UserID:         userID,
		Type:           model.JobTypeCompress,
		Format:         req.Format,
		InputPaths:     string(inputs),
		OutputPath:     outputName,
		TargetFolderID: folderID,
		Status:         model.JobStatusPending,
	}
	if err := repo.Db.Create(job).Error; err != nil {
		return nil, err
	}
	if err := enqueueJob(job.ID, 0); err != nil {
		markJobFailed(job.ID, err)
		return nil, err
	}
	return job, nil
}

// CreateDecompressionJob validates a decompress request, persists the job
// and enqueues it. The archive format is inferred from the file name.
func CreateDecompressionJob(userID uint64, req dto.DecompressRequest) (*model.CompressionJob, error) {
	if !service.CheckFileOwner(userID, req.FileID) {
		return nil, service.NewError(http.StatusNotFound, service.CodeFileNotFound,
			fmt.Sprintf("file %d not found", req.FileID))
	}
	file, err := service.GetUserFileById(req.FileID)
	if err != nil {
		return nil, err
	}
	format, ok := formatFromName(file.Name)
	if !ok {
		return nil, service.NewError(http.StatusBadRequest, service.CodeUnsupportedFormat,
			"cannot infer archive format from: "+file.Name)
	}
	inputs, err := json.Marshal([]uint64{req.FileID})
	if err != nil {
		return nil, err
	}
	var folderID *uint64
	if req.TargetFolderID != 0 {
		folderID = &req.TargetFolderID
	}
	job := &model.CompressionJob{
		UserID:         userID,
		Type:           model.JobTypeDecompress,
		Format:         format,
		InputPaths:     string(inputs),
		TargetFolderID: folderID,
		Status:         model.JobStatusPending,
	}
	if err := repo.Db.Create(job).Error; err != nil {
		return nil, err
	}
	if err := enqueueJob(job.ID, 0); err != nil {
		markJobFailed(job.ID, err)
		return nil, err
	}
	return job, nil
}

func formatFromName(name string) (string, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return service.FormatTarGz, true
	case strings.HasSuffix(lower, ".zip"):
		return service.FormatZip, true
	case strings.HasSuffix(lower, ".7z"):
		return service.Format7z, true
	}
	return "", false
}

func enqueueJob(jobID uint64, attempt int) error {
	body, err := json.Marshal(CompressionMessage{JobID: jobID, Attempt: attempt})
	if err != nil {
		return err
	}
	publisher, err := mq.GetPublisher()
	if err != nil {
		return err
	}
	return publisher.PublishTask(context.Background(), body)
}

// ListCompressionJobs lists a user's jobs, newest first.
func ListCompressionJobs(userID uint64, limit int) ([]model.CompressionJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []model.CompressionJob
	err := repo.Db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// GetCompressionJob returns one of the user's jobs, cache first.
func GetCompressionJob(ctx context.Context, userID, jobID uint64) (*model.CompressionJob, error) {
	if job, ok := utils.GetJobStatusFromCache(ctx, jobID); ok && job.UserID == userID {
		return job, nil
	}
	var job model.CompressionJob
	err := repo.Db.Where("id = ? AND user_id = ?", jobID, userID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, service.NewError(http.StatusNotFound, service.CodeJobNotFound, "job not found")
	}
	if err != nil {
		return nil, err
	}
	_ = utils.SetJobStatusToCache(ctx, &job, time.Minute)
	return &job, nil
}

// CancelCompressionJob flips the job to CANCELLED. The conditional update is
// what makes the cancel stick across instances; the local registry cancel
// only speeds up a job running in this process.
func CancelCompressionJob(ctx context.Context, userID, jobID uint64) error {
	var job model.CompressionJob
	err := repo.Db.Where("id = ? AND user_id = ?", jobID, userID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return service.NewError(http.StatusNotFound, service.CodeJobNotFound, "job not found")
	}
	if err != nil {
		return err
	}
	now := time.Now()
	res := repo.Db.Model(&model.CompressionJob{}).
		Where("id = ? AND status IN ?", jobID,
			[]string{model.JobStatusPending, model.JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":      model.JobStatusCancelled,
			"finished_at": &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return service.NewError(http.StatusConflict, service.CodeJobNotCancellable,
			"job already finished")
	}
	service.Jobs.Cancel(jobID)
	_ = utils.InvalidateJobStatusCache(ctx, jobID)
	return nil
}

// ProcessCompressionJob executes one archive job. The PENDING to PROCESSING
// flip is conditional, so a redelivered message for a job another worker
// already claimed is dropped here.
func ProcessCompressionJob(ctx context.Context, jobID uint64) error {
	var job model.CompressionJob
	if err := repo.Db.Where("id = ?", jobID).First(&job).Error; err != nil {
		return err
	}
	if model.IsTerminalJobStatus(job.Status) {
		return nil
	}
	startedAt := time.Now()
	res := repo.Db.Model(&model.CompressionJob{}).
		Where("id = ? AND status = ?", jobID, model.JobStatusPending).
		Updates(map[string]interface{}{
			"status":       model.JobStatusProcessing,
			"progress":     0,
			"current_file": "",
			"error_msg":    "",
			"started_at":   &startedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	_ = utils.InvalidateJobStatusCache(ctx, jobID)

	jobCtx, cancel := service.Jobs.Register(jobID, ctx)
	defer cancel()
	defer service.Jobs.Remove(jobID)

	var err error
	switch job.Type {
	case model.JobTypeCompress:
		err = runCompress(jobCtx, &job)
	case model.JobTypeDecompress:
		err = runDecompress(jobCtx, &job)
	default:
		err = service.NewError(http.StatusBadRequest, service.CodeInvalidInput,
			"unknown job type: "+job.Type)
	}
	if err != nil {
		return err
	}

	finishedAt := time.Now()
	res = repo.Db.Model(&model.CompressionJob{}).
		Where("id = ? AND status = ?", jobID, model.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       model.JobStatusCompleted,
			"progress":     100,
			"current_file": "",
			"finished_at":  &finishedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 任务在收尾前被取消 产物已入库 保留
		log.Printf("job %d finished work but was cancelled meanwhile", jobID)
	}
	_ = utils.InvalidateJobStatusCache(ctx, jobID)
	return nil
}

var errJobCancelled = errors.New("job cancelled")

// jobProgress persists byte progress. The WHERE on PROCESSING doubles as the
// cross-instance cancellation probe: zero rows means the status moved, so
// the running engine unwinds.
func jobProgress(jobID uint64) service.ProgressFunc {
	lastPercent := -1
	var lastBytes int64
	const byteStep = 8 << 20
	return func(processed, total int64, currentFile string) error {
		percent := 0
		if total > 0 {
			percent = int(processed * 100 / total)
			if percent > 99 {
				percent = 99
			}
		}
		// 总量未知时按字节步进刷新 否则取消探测不到
		if percent == lastPercent && processed-lastBytes < byteStep {
			return nil
		}
		lastPercent = percent
		lastBytes = processed
		res := repo.Db.Model(&model.CompressionJob{}).
			Where("id = ? AND status = ?", jobID, model.JobStatusProcessing).
			Updates(map[string]interface{}{
				"progress":     percent,
				"current_file": currentFile,
			})
		if res.Error != nil {
			log.Printf("job %d progress update failed: %v", jobID, res.Error)
			return nil
		}
		if res.RowsAffected == 0 {
			return errJobCancelled
		}
		return nil
	}
}

func runCompress(ctx context.Context, job *model.CompressionJob) error {
	var fileIDs []uint64
	if err := json.Unmarshal([]byte(job.InputPaths), &fileIDs); err != nil {
		return service.NewError(http.StatusBadRequest, service.CodeInvalidInput, "bad input list")
	}
	limits := service.DefaultArchiveLimits()
	entries, totalBytes, err := service.CollectArchiveEntries(job.UserID, fileIDs, limits.MaxDepth)
	if err != nil {
		return err
	}
	if len(entries) > limits.MaxEntries {
		return service.NewError(http.StatusBadRequest, service.CodeArchiveTooLarge,
			fmt.Sprintf("input exceeds %d entries", limits.MaxEntries))
	}

	workRoot := config.StorageConfigInstance.WorkRoot
	if err := os.MkdirAll(workRoot, 0o755); err != nil {
		return err
	}
	out, err := os.CreateTemp(workRoot, "compress-*."+job.Format)
	if err != nil {
		return err
	}
	outPath := out.Name()
	_ = out.Close()
	defer os.Remove(outPath)

	if err := service.CompressEntries(ctx, entries, totalBytes, job.Format, outPath, jobProgress(job.ID)); err != nil {
		return err
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return err
	}
	size := info.Size()

	if err := service.ReserveTemp(job.UserID, size); err != nil {
		return err
	}
	if err := storeArchiveOutput(ctx, job, outPath, size); err != nil {
		_ = service.ReleaseTemp(job.UserID, size)
		return err
	}
	return service.CommitTemp(job.UserID, size)
}

func storeArchiveOutput(ctx context.Context, job *model.CompressionJob, outPath string, size int64) error {
	userName, err := service.FindUserNameById(job.UserID)
	if err != nil {
		return err
	}
	objectKey := service.BuildObjectName(userName, utils.GetToken())
	if err := storage.Default.PutFile(ctx, objectKey, outPath, storage.PutOptions{
		ContentType: archiveMimeType(job.Format),
	}); err != nil {
		return err
	}
	userFile := &model.UserFile{
		UserID:    job.UserID,
		ParentID:  job.TargetFolderID,
		Name:      job.OutputPath,
		ObjectKey: objectKey,
		Size:      size,
		MimeType:  archiveMimeType(job.Format),
	}
	if err := service.CreateUserFileEntry(userFile); err != nil {
		_ = storage.Default.RemoveObject(ctx, objectKey)
		return err
	}
	return nil
}

func archiveMimeType(format string) string {
	switch format {
	case service.FormatZip:
		return "application/zip"
	case service.FormatTarGz:
		return "application/gzip"
	case service.Format7z:
		return "application/x-7z-compressed"
	}
	return "application/octet-stream"
}

func runDecompress(ctx context.Context, job *model.CompressionJob) error {
	var fileIDs []uint64
	if err := json.Unmarshal([]byte(job.InputPaths), &fileIDs); err != nil || len(fileIDs) != 1 {
		return service.NewError(http.StatusBadRequest, service.CodeInvalidInput, "bad input list")
	}
	file, err := service.GetUserFileById(fileIDs[0])
	if err != nil {
		return service.NewError(http.StatusNotFound, service.CodeFileNotFound, "archive file not found")
	}

	workRoot := config.StorageConfigInstance.WorkRoot
	archivePath, err := fetchArchive(ctx, file.ObjectKey, workRoot)
	if err != nil {
		return err
	}
	defer os.Remove(archivePath)

	limits := service.DefaultArchiveLimits()
	if err := service.ValidateArchive(archivePath, job.Format, limits); err != nil {
		return err
	}

	stagingDir, err := os.MkdirTemp(workRoot, "extract-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(stagingDir)

	extractCtx, cancel := context.WithTimeout(ctx, config.AppConfig.ExtractTimeout)
	defer cancel()
	if err := service.ExtractArchive(extractCtx, archivePath, job.Format, stagingDir, limits, jobProgress(job.ID)); err != nil {
		return err
	}
	return importExtractedTree(ctx, job, stagingDir)
}

func fetchArchive(ctx context.Context, objectKey, workRoot string) (string, error) {
	reader, _, err := storage.Default.GetObject(ctx, objectKey)
	if err != nil {
		return "", err
	}
	defer reader.Close()
	if err := os.MkdirAll(workRoot, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(workRoot, "archive-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, reader); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// importExtractedTree walks the validated staging tree and turns it into
// folder and file rows. Every file charges quota through the two-step
// reserve and commit, same as uploads. Files with denied extensions are
// skipped rather than failing the whole archive. A mid-tree failure unwinds
// everything imported so far so a FAILED job leaves no rows, blobs or
// charged bytes behind.
func importExtractedTree(ctx context.Context, job *model.CompressionJob, stagingDir string) (err error) {
	userName, err := service.FindUserNameById(job.UserID)
	if err != nil {
		return err
	}
	denied := config.StorageConfigInstance.DeniedExtensions

	var importedFiles []*model.UserFile
	var createdDirs []uint64
	defer func() {
		if err != nil {
			rollbackImportedTree(job, importedFiles, createdDirs)
		}
	}()

	type frame struct {
		dir      string
		parentID *uint64
	}
	stack := []frame{{dir: stagingDir, parentID: job.TargetFolderID}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		entries, err := os.ReadDir(top.dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			full := filepath.Join(top.dir, entry.Name())
			if entry.IsDir() {
				dir, err := service.CreateUserDir(job.UserID, entry.Name(), top.parentID)
				if err != nil {
					return err
				}
				createdDirs = append(createdDirs, dir.ID)
				id := dir.ID
				stack = append(stack, frame{dir: full, parentID: &id})
				continue
			}
			if utils.HasDeniedExtension(entry.Name(), denied) {
				log.Printf("job %d skipping denied extension: %s", job.ID, entry.Name())
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return err
			}
			size := info.Size()
			if err := service.ReserveTemp(job.UserID, size); err != nil {
				return err
			}
			objectKey := service.BuildObjectName(userName, utils.GetToken())
			if err := storage.Default.PutFile(ctx, objectKey, full, storage.PutOptions{}); err != nil {
				_ = service.ReleaseTemp(job.UserID, size)
				return err
			}
			userFile := &model.UserFile{
				UserID:    job.UserID,
				ParentID:  top.parentID,
				Name:      entry.Name(),
				ObjectKey: objectKey,
				Size:      size,
			}
			if err := service.CreateUserFileEntry(userFile); err != nil {
				_ = storage.Default.RemoveObject(ctx, objectKey)
				_ = service.ReleaseTemp(job.UserID, size)
				return err
			}
			if err := service.CommitTemp(job.UserID, size); err != nil {
				return err
			}
			importedFiles = append(importedFiles, userFile)
		}
	}
	return nil
}

// rollbackImportedTree undoes a partial import. Best effort: each step logs
// and keeps going, so a failing blob delete cannot strand charged quota.
// Rows are hard deleted so a retried job can recreate the same names.
func rollbackImportedTree(job *model.CompressionJob, files []*model.UserFile, dirIDs []uint64) {
	ctx := context.Background()
	var reclaimed int64
	for i := len(files) - 1; i >= 0; i-- {
		f := files[i]
		if err := repo.Db.Unscoped().Delete(&model.UserFile{}, f.ID).Error; err != nil {
			log.Printf("job %d rollback: delete file row %d failed: %v", job.ID, f.ID, err)
			continue
		}
		if err := storage.Default.RemoveObject(ctx, f.ObjectKey); err != nil {
			log.Printf("job %d rollback: remove blob %s failed: %v", job.ID, f.ObjectKey, err)
		}
		reclaimed += f.Size
	}
	if reclaimed > 0 {
		if err := service.AdjustUsed(job.UserID, -reclaimed); err != nil {
			log.Printf("job %d rollback: release %d committed bytes failed: %v", job.ID, reclaimed, err)
		}
	}
	for i := len(dirIDs) - 1; i >= 0; i-- {
		if err := repo.Db.Unscoped().Delete(&model.UserFile{}, dirIDs[i]).Error; err != nil {
			log.Printf("job %d rollback: delete folder row %d failed: %v", job.ID, dirIDs[i], err)
		}
	}
}

func markJobFailed(jobID uint64, err error) {
	finishedAt := time.Now()
	_ = repo.Db.Model(&model.CompressionJob{}).
		Where("id = ? AND status IN ?", jobID,
			[]string{model.JobStatusPending, model.JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":      model.JobStatusFailed,
			"error_msg":   err.Error(),
			"finished_at": &finishedAt,
		}).Error
	_ = utils.InvalidateJobStatusCache(context.Background(), jobID)
}

// MarkCompressionJobFailed is the worker's terminal failure path.
func MarkCompressionJobFailed(jobID uint64, err error) {
	markJobFailed(jobID, err)
}

// RequeueCompressionJob flips a PROCESSING job back to PENDING so a delayed
// retry can claim it again.
func RequeueCompressionJob(jobID uint64, attempt int, cause error) error {
	res := repo.Db.Model(&model.CompressionJob{}).
		Where("id = ? AND status = ?", jobID, model.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":      model.JobStatusPending,
			"retry_count": attempt,
			"error_msg":   cause.Error(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	_ = utils.InvalidateJobStatusCache(context.Background(), jobID)
	return nil
}

// IsCancellation reports whether the error came from cancellation rather
// than a real failure.
func IsCancellation(err error) bool {
	return errors.Is(err, errJobCancelled) || errors.Is(err, context.Canceled)
}
