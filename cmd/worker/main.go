package main

import (
	"CloudBox/config"
	"CloudBox/internal/repo"
	"CloudBox/internal/storage"
	"CloudBox/internal/worker"
	"CloudBox/utils"
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	config.InitConfig()
	repo.InitMysql()
	repo.InitRedis()
	utils.InitCacheManager()
	storage.InitStore()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go worker.RunReconciler(ctx)

	log.Println("archive worker started")
	if err := worker.RunArchiveWorker(ctx); err != nil {
		log.Fatalf("archive worker stopped: %v", err)
	}
}
