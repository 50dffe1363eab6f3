package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"agent-executor/internal/api"
	"agent-executor/internal/cloud"
	"agent-executor/internal/config"
	"agent-executor/internal/scraper"
	"agent-executor/internal/store"
	"agent-executor/internal/taskmgr"
)

func main() {
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if err := os.MkdirAll(cfg.Paths.LogsDir, 0755); err != nil {
		log.Fatalf("failed to create logs directory: %v", err)
	}

	st, err := store.New(cfg.Paths.ResultsDir)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}

	scrapers := scraper.NewRegistry()
	if err := scrapers.LoadDir(cfg.Paths.ScrapersDir); err != nil {
		log.Fatalf("scraper registry error: %v", err)
	}

	clients, err := cloud.NewClients(context.Background(), cfg.AWS.Region)
	if err != nil {
		log.Fatalf("aws error: %v", err)
	}

	tm := taskmgr.NewManager(cfg, st, scrapers, clients)

	sweeper := log.New(os.Stderr, "", log.LstdFlags)
	tm.SweepLogs(sweeper)
	go func() {
		for {
			time.Sleep(time.Hour)
			tm.SweepLogs(sweeper)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	api.RegisterHandlers(r, tm, st, scrapers)

	log.Printf("Server starting on :%d...", cfg.Server.Port)
	r.Run(fmt.Sprintf(":%d", cfg.Server.Port))
}
