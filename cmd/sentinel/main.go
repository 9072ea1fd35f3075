package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ema-sentinel/config"
	"ema-sentinel/internal/logger"
	"ema-sentinel/internal/sentinel"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[sentinel] config: %v", err)
	}
	logger.Init("ema-sentinel", logger.ParseLevel(cfg.LogLevel))

	svc, err := sentinel.New(cfg)
	if err != nil {
		log.Fatalf("[sentinel] init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[sentinel] fatal: %v", err)
	}
}
