package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	sealpostcmd "github.com/sealpost/sealpost/internal/cmd/sealpost"
)

func main() {
	_ = godotenv.Load()

	cfg, err := sealpostcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[SEALPOST] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sealpostcmd.Run(ctx, cfg, log.Default()); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
