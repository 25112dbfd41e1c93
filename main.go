// Package main is the entry point for the Charon threat intelligence
// pipeline.
package main

import (
	"context"
	"fmt"
	"os"

	"charon/bootstrap"
	"charon/cmd"
)

// run initializes and starts the pipeline service.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

func main() {
	// CLI mode for item inspection and repair.
	if len(os.Args) > 1 && os.Args[1] == "items" {
		os.Args = append([]string{os.Args[0]}, os.Args[2:]...)

		itemsCmd := cmd.NewItemsCmd()
		if err := itemsCmd.Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Otherwise run as the pipeline server.
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
