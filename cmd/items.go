// Package cmd provides command-line interface commands for Charon.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"charon/broker"
	"charon/config"
	"charon/core"
	"charon/status"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags for items commands
var (
	outputJSON bool
	noColor    bool
)

const defaultTimeout = 30 * time.Second

// NewItemsCmd creates the items command tree for inspecting and repairing
// per-item pipeline state.
func NewItemsCmd() *cobra.Command {
	itemsCmd := &cobra.Command{
		Use:   "items",
		Short: "Inspect and repair pipeline items",
		Long: `Inspect the processing status of individual items and return stalled
items to their destination queues.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	itemsCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	itemsCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	itemsCmd.AddCommand(newStatusCmd())
	itemsCmd.AddCommand(newRequeueCmd())

	return itemsCmd
}

// connect builds the broker and tracker from configuration. CLI commands use
// a no-op logger so command output stays clean.
func connect() (*broker.Broker, *status.Tracker, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := zap.NewNop().Sugar()
	b := broker.New(cfg.Broker.Addr, cfg.Broker.Password, cfg.Broker.DB,
		cfg.Broker.PoolSize, cfg.Broker.PopTimeout, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Ping(ctx); err != nil {
		b.Close()
		return nil, nil, fmt.Errorf("failed to reach broker at %s: %w", cfg.Broker.Addr, err)
	}
	return b, status.NewTracker(b, cfg.Retention.StatusTTL, logger), nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <item-id>",
		Short: "Show the processing status of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, tracker, err := connect()
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			st, err := tracker.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to load status: %w", err)
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(st)
			}
			printStatus(st)
			return nil
		},
	}
}

func printStatus(st *status.ItemStatus) {
	headerColor.Printf("Item %s\n", st.ItemID)
	if len(st.Stages) == 0 {
		warningColor.Println("  no recorded stages (unknown item or record expired)")
		return
	}

	stages := make([]string, 0, len(st.Stages))
	for stage := range st.Stages {
		stages = append(stages, stage)
	}
	sort.Slice(stages, func(i, j int) bool {
		return st.Stages[stages[i]].Before(st.Stages[stages[j]])
	})
	for _, stage := range stages {
		successColor.Printf("  %-18s", stage)
		fmt.Printf(" %s\n", st.Stages[stage].Format(time.RFC3339))
	}

	for dest, n := range st.Attempts {
		if n > 0 {
			warningColor.Printf("  attempts[%s]=%d\n", dest, n)
		}
	}
	for dest, ts := range st.Stalled {
		errorColor.Printf("  STALLED for %s since %s\n", dest, ts.Format(time.RFC3339))
	}
}

func newRequeueCmd() *cobra.Command {
	var destination string

	cmd := &cobra.Command{
		Use:   "requeue <item-id>",
		Short: "Return a stalled item to its destination queue",
		Long: `Clear the stalled flag and attempt counter for an item on one
destination and push it back onto that queue for a fresh retry cycle.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validDestination(destination) {
				return fmt.Errorf("unknown destination %q (expected %s, %s or %s)",
					destination, core.QueueVector, core.QueueGraph, core.QueuePriorityExport)
			}

			b, tracker, err := connect()
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			itemID := args[0]
			st, err := tracker.Get(ctx, itemID)
			if err != nil {
				return fmt.Errorf("failed to load status: %w", err)
			}
			if _, stalled := st.Stalled[destination]; !stalled {
				warningColor.Printf("Item %s is not stalled for %s; requeueing anyway\n", itemID, destination)
			}

			if err := tracker.ClearStalled(ctx, itemID, destination); err != nil {
				return fmt.Errorf("failed to clear stalled flag: %w", err)
			}
			if err := b.Push(ctx, destination, itemID); err != nil {
				return fmt.Errorf("failed to push item onto queue: %w", err)
			}

			successColor.Printf("Item %s requeued for %s\n", itemID, destination)
			return nil
		},
	}

	cmd.Flags().StringVar(&destination, "destination", "", "Destination queue to requeue for (required)")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}

func validDestination(destination string) bool {
	switch destination {
	case core.QueueVector, core.QueueGraph, core.QueuePriorityExport:
		return true
	}
	return false
}
