// One-shot deployment: runs a single task end to end and prints the final
// record. Useful without the HTTP front-end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"agent-executor/internal/cloud"
	"agent-executor/internal/config"
	"agent-executor/internal/deploy"
	"agent-executor/internal/model"
	"agent-executor/internal/store"
)

func main() {
	task := flag.String("task", "", "the automation task to perform (required)")
	scraperName := flag.String("scraper", "", "run scraper after automation task (optional)")
	taskID := flag.String("task-id", "", "task id (defaults to a new uuid)")
	configPath := flag.String("config", "config.yaml", "config file path")
	flag.Parse()

	if *task == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("config error: %v", err)
		}
		cfg = config.Default()
	}

	st, err := store.New(cfg.Paths.ResultsDir)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}

	clients, err := cloud.NewClients(context.Background(), cfg.AWS.Region)
	if err != nil {
		log.Fatalf("aws error: %v", err)
	}

	id := *taskID
	if id == "" {
		id = uuid.New().String()
	}

	record := &model.Task{
		ID:        id,
		Prompt:    *task,
		Scraper:   *scraperName,
		Status:    model.StatusQueued,
		CreatedAt: time.Now(),
	}
	if err := st.Create(record); err != nil {
		log.Fatalf("persist task: %v", err)
	}

	logger := log.New(os.Stderr, "["+id[:8]+"] ", log.LstdFlags)
	pipeline := deploy.NewPipeline(cfg, clients, st, logger)
	pipeline.Run(context.Background(), record)

	final, err := st.Get(id)
	if err != nil {
		log.Fatalf("read final record: %v", err)
	}
	out, _ := json.MarshalIndent(final, "", "  ")
	os.Stdout.Write(append(out, '\n'))

	if final.Status == model.StatusFailed {
		os.Exit(1)
	}
}
