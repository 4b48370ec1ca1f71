// Package main implements the entry point for the Tate API server,
// which tracks long-running media-processing tasks and streams their
// progress to subscribed clients.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := initializeApp(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	if err := app.startHTTPServer(ctx); err != nil {
		app.logger.Error("Server exited with error", "error", err)
		app.cleanup()
		os.Exit(1)
	}
}
