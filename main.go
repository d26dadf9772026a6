package main

import (
	"CloudBox/config"
	"CloudBox/internal/repo"
	"CloudBox/internal/storage"
	"CloudBox/internal/worker"
	"CloudBox/router"
	"CloudBox/utils"
	"context"
)

// main initializes services and starts the HTTP server.
func main() {
	config.InitConfig()
	repo.InitMysql()
	repo.InitRedis()
	utils.InitCacheManager()
	storage.InitStore()

	go worker.RunReconciler(context.Background())

	router := router.InitRouter()

	router.Run(":8000")
}
