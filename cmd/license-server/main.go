// Command license-server runs the license registry: the authoritative
// license store, validation, install registration and hour accounting.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hourgate/internal/app"
)

func main() {
	registryApp, err := app.NewRegistryApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start license server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := registryApp.Run(ctx); err != nil {
		registryApp.Logger.Error("license server exited with error", "error", err)
		os.Exit(1)
	}
}
