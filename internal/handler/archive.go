package handler

import (
	"CloudBox/internal/dto"
	"CloudBox/internal/service"
	"CloudBox/internal/task"
	"CloudBox/model"
	"CloudBox/utils"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Compress creates an asynchronous compression job.
func Compress(c *gin.Context) {
	var req dto.CompressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.FailCode(c, http.StatusBadRequest, service.CodeInvalidInput, "invalid request: "+err.Error())
		return
	}
	job, err := task.CreateCompressionJob(currentUserID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, jobStatusDTO(job))
}

// Decompress creates an asynchronous extraction job.
func Decompress(c *gin.Context) {
	var req dto.DecompressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.FailCode(c, http.StatusBadRequest, service.CodeInvalidInput, "invalid request: "+err.Error())
		return
	}
	job, err := task.CreateDecompressionJob(currentUserID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, jobStatusDTO(job))
}

// CancelJob cancels a pending or running job.
func CancelJob(c *gin.Context) {
	jobID, err := parseJobID(c)
	if err != nil {
		return
	}
	if err := task.CancelCompressionJob(c.Request.Context(), currentUserID(c), jobID); err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, gin.H{"job_id": jobID})
}

// ListJobs lists the user's archive jobs.
func ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	jobs, err := task.ListCompressionJobs(currentUserID(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]dto.JobStatusResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobStatusDTO(&jobs[i]))
	}
	utils.Success(c, out)
}

// JobStatus reports one job's progress.
func JobStatus(c *gin.Context) {
	jobID, err := parseJobID(c)
	if err != nil {
		return
	}
	job, err := task.GetCompressionJob(c.Request.Context(), currentUserID(c), jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, jobStatusDTO(job))
}

// JobEvents streams job progress as server-sent events until the job
// reaches a terminal status or the client goes away.
func JobEvents(c *gin.Context) {
	jobID, err := parseJobID(c)
	if err != nil {
		return
	}
	userID := currentUserID(c)
	if _, err := task.GetCompressionJob(c.Request.Context(), userID, jobID); err != nil {
		respondError(c, err)
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
		}
		job, err := task.GetCompressionJob(c.Request.Context(), userID, jobID)
		if err != nil {
			c.SSEvent("error", gin.H{"msg": "job lookup failed"})
			return false
		}
		c.SSEvent("progress", jobStatusDTO(job))
		return !model.IsTerminalJobStatus(job.Status)
	})
}

func parseJobID(c *gin.Context) (uint64, error) {
	jobID, err := strconv.ParseUint(c.Param("jobID"), 10, 64)
	if err != nil {
		utils.FailCode(c, http.StatusBadRequest, service.CodeInvalidInput, "jobID must be an integer")
		return 0, err
	}
	return jobID, nil
}

func jobStatusDTO(job *model.CompressionJob) dto.JobStatusResponse {
	return dto.JobStatusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentFile: job.CurrentFile,
		Error:       job.ErrorMsg,
	}
}
