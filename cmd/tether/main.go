package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tetherim/tether/internal/app"
	"github.com/tetherim/tether/internal/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize application
	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}
	defer application.Close()

	// Bring up every auto-connect account
	application.ConnectAll()

	// Run until interrupted
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
