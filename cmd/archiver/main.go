// cmd/archiver/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	log "github.com/sirupsen/logrus"

	"github.com/alienarcade/bingo-service/internal/archiver"
	"github.com/alienarcade/bingo-service/internal/cache"
	"github.com/alienarcade/bingo-service/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	svc, err := archiver.New(ctx, archiver.Options{
		RedisAddr:   cfg.RedisAddr,
		RedisDB:     cfg.RedisDB,
		DatabaseURL: cfg.DatabaseURL,
		QueueName:   cache.SettlementQueue,
		BatchSize:   cfg.ArchiverBatchSize,
		FlushDelay:  cfg.ArchiverFlushMs,
	})
	cancel()
	if err != nil {
		log.Fatalf("archiver: %v", err)
	}

	go svc.Run()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	svc.Stop()
	log.Info("archiver shutdown complete")
}
