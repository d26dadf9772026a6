package handler

import (
	"CloudBox/internal/service"
	"CloudBox/internal/storage"
	"CloudBox/utils"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Download streams a file's blob back to its owner.
func Download(c *gin.Context) {
	fileID, err := strconv.ParseUint(c.Query("file_id"), 10, 64)
	if err != nil {
		utils.FailCode(c, http.StatusBadRequest, service.CodeInvalidInput, "file_id must be an integer")
		return
	}
	userID := currentUserID(c)
	if !service.CheckFileOwner(userID, fileID) {
		utils.FailCode(c, http.StatusNotFound, service.CodeFileNotFound, "file not found")
		return
	}
	file, err := service.GetUserFileById(fileID)
	if err != nil {
		respondError(c, err)
		return
	}
	if file.IsDir {
		utils.FailCode(c, http.StatusBadRequest, service.CodeInvalidInput, "cannot download a folder")
		return
	}

	reader, info, err := storage.Default.GetObject(c.Request.Context(), file.ObjectKey)
	if err != nil {
		respondError(c, err)
		return
	}
	defer reader.Close()

	contentType := file.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", utils.SanitizeHeaderFilename(file.Name)))
	c.Header("Content-Type", contentType)
	if info.Size > 0 {
		c.Header("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, reader); err != nil {
		// 响应已开始 只能记录
		_ = c.Error(err)
	}
}
