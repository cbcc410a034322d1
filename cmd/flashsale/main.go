// Package main runs a flash-sale simulation against the configured stores.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/unkn0wn-root/flashsale/internal/cmd/simulate"
	"github.com/unkn0wn-root/flashsale/internal/config"
)

func main() {
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[FLASHSALE] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := simulate.Run(ctx, cfg); err != nil {
		log.Fatalf("simulation: %v", err)
	}
}
