package router

import (
	"CloudBox/internal/handler"
	"CloudBox/pkg/metrics"
	"CloudBox/utils"

	"github.com/gin-gonic/gin"
)

// InitRouter builds API routes.
func InitRouter() *gin.Engine {
	r := gin.Default()
	r.Use(utils.CORSMiddleware())
	r.Use(metrics.Middleware())

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api")
	{
		auth := api.Group("")
		auth.Use(utils.AuthMiddleware())

		file := auth.Group("/file")
		{
			file.POST("/upload/init", handler.InitUpload)
			file.POST("/upload/chunk", handler.UploadChunk)
			file.POST("/upload/abort", handler.AbortUpload)
			file.GET("/upload/:uploadID/status", handler.UploadStatus)
			file.GET("/download", handler.Download)
		}

		archive := auth.Group("/archive")
		{
			archive.POST("/compress", handler.Compress)
			archive.POST("/decompress", handler.Decompress)
			archive.POST("/cancel/:jobID", handler.CancelJob)
			archive.GET("/jobs", handler.ListJobs)
			archive.GET("/jobs/:jobID/status", handler.JobStatus)
			archive.GET("/jobs/:jobID/events", handler.JobEvents)
		}
	}
	return r
}
