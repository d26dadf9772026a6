package handler

import (
	"CloudBox/internal/dto"
	"CloudBox/internal/service"
	"CloudBox/pkg/metrics"
	"CloudBox/utils"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// InitUpload creates an upload session and reserves quota.
func InitUpload(c *gin.Context) {
	var req dto.UploadInitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.FailCode(c, http.StatusBadRequest, service.CodeInvalidInput, "invalid request: "+err.Error())
		return
	}
	req.UserId = currentUserID(c)
	resp, err := service.InitUpload(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, resp)
}

// UploadChunk receives one chunk of an upload session. When the final chunk
// lands, the response carries the assembled file.
func UploadChunk(c *gin.Context) {
	uploadID := c.PostForm("upload_id")
	if uploadID == "" {
		utils.FailCode(c, http.StatusBadRequest, service.CodeInvalidInput, "upload_id required")
		return
	}
	chunkIndex, err := strconv.Atoi(c.PostForm("chunk_index"))
	if err != nil {
		utils.FailCode(c, http.StatusBadRequest, service.CodeInvalidInput, "chunk_index must be an integer")
		return
	}
	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		utils.FailCode(c, http.StatusBadRequest, service.CodeInvalidInput, "chunk file required")
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		respondError(c, err)
		return
	}
	defer src.Close()

	resp, err := service.ReceiveChunk(
		c.Request.Context(),
		currentUserID(c),
		uploadID,
		chunkIndex,
		src,
		fileHeader.Size,
	)
	if err != nil {
		respondError(c, err)
		return
	}
	metrics.UploadBytesTotal.Add(float64(fileHeader.Size))
	if resp.Completed {
		metrics.UploadsTotal.WithLabelValues("completed").Inc()
	}
	utils.Success(c, resp)
}

// AbortUpload cancels an upload session and releases its reservation.
func AbortUpload(c *gin.Context) {
	var req dto.UploadAbortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.FailCode(c, http.StatusBadRequest, service.CodeInvalidInput, "invalid request: "+err.Error())
		return
	}
	if err := service.AbortUpload(c.Request.Context(), currentUserID(c), req.UploadID); err != nil {
		respondError(c, err)
		return
	}
	metrics.UploadsTotal.WithLabelValues("aborted").Inc()
	utils.Success(c, gin.H{"upload_id": req.UploadID})
}

// UploadStatus reports session progress for resume.
func UploadStatus(c *gin.Context) {
	uploadID := c.Param("uploadID")
	session, err := service.GetUploadSession(c.Request.Context(), uploadID)
	if err != nil {
		respondError(c, err)
		return
	}
	if session.UserID != currentUserID(c) {
		utils.FailCode(c, http.StatusNotFound, service.CodeUploadNotFound, "upload session not found")
		return
	}
	received, err := service.CountReceivedChunks(uploadID)
	if err != nil {
		respondError(c, err)
		return
	}
	utils.Success(c, dto.UploadStatusResponse{
		UploadID:       session.UploadID,
		Status:         session.Status,
		UploadedChunks: received,
		TotalChunks:    session.TotalChunks,
		TotalSize:      session.TotalSize,
	})
}
