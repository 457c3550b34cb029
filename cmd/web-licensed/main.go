// Command web-licensed runs the license-protected web application. Every
// data endpoint sits behind the license gate; usage is metered per session
// and deducted from the license balance through the registry.
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
	webApp, err := app.NewWebApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start web application: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := webApp.Run(ctx); err != nil {
		webApp.Logger.Error("web application exited with error", "error", err)
		os.Exit(1)
	}
}
