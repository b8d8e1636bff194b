package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/dredge/cmd"
)

// main is the entry point for the dredge CLI.
func main() {
	// Interrupts cancel the command context so in-flight work unwinds and
	// leases expire cleanly instead of dying mid-write.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
}
