package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/kwentura/kwentura/internal/budget"
	"github.com/kwentura/kwentura/internal/config"
	"github.com/kwentura/kwentura/internal/limiter"
	"github.com/kwentura/kwentura/internal/registry"
	"github.com/kwentura/kwentura/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	statusProfile string
	statusLoad    bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the gate decision for a profile",
	Long: `Show what Kwentura would decide if the reader app loaded now. By default
nothing is written. With --load the decision is persisted exactly as an
application load would.`,
	Example: `  kwentura -c config.yaml status --profile tablet-1
  kwentura status --profile default --load`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusProfile, "profile", limiter.DefaultProfile, "Device profile id")
	statusCmd.Flags().BoolVar(&statusLoad, "load", false, "Persist the decision like an application load")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := registry.ValidateProfile(statusProfile); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for CLI use
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, _, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	resolver, err := budget.FromConfig(cfg.Limiter, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize budget: %w", err)
	}

	lc, err := limiterConfig(cfg, resolver)
	if err != nil {
		return err
	}
	lc.Profile = statusProfile

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if statusLoad {
		l := limiter.New(store.KV(), lc, logger)
		defer l.Close()

		status, err := l.OnApplicationLoad(ctx)
		printStatus(status)
		return err
	}

	now := time.Now().Truncate(time.Millisecond)
	snap, daily, plan, err := dryRun(ctx, store.KV(), lc, now)
	if err != nil {
		return fmt.Errorf("failed to read stored state: %w", err)
	}

	printPlan(statusProfile, snap, daily, plan)
	return nil
}

// dryRun decides a load for lc.Profile at now without writing anything.
func dryRun(ctx context.Context, kv storage.KVStore, lc limiter.Config, now time.Time) (limiter.Snapshot, time.Duration, limiter.Plan, error) {
	snap, err := limiter.ReadSnapshot(ctx, kv, lc.Profile)
	if err != nil {
		return limiter.Snapshot{}, 0, limiter.Plan{}, err
	}

	daily, err := limiter.ResolveBudget(ctx, lc.Budget, lc.Profile, now, lc.DailyBudget)
	if err != nil {
		_, _ = color.New(color.FgYellow).Fprintf(os.Stderr, "Budget lookup failed, using configured daily budget: %v\n", err)
	}

	return snap, daily, limiter.Decide(now, snap, daily, lc.Location), nil
}

func printPlan(profile string, snap limiter.Snapshot, daily time.Duration, plan limiter.Plan) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Println("\nGate Check (dry run)")
	fmt.Printf("  Profile:       %s\n", profile)
	fmt.Printf("  Stored phase:  %s\n", snap.Phase())
	if since := snap.Since(); !since.IsZero() {
		fmt.Printf("  Since:         %s\n", since.Local().Format(time.RFC3339))
	}
	if snap.WindowInvalid || snap.MarkerInvalid {
		_, _ = yellow.Println("  Stored state contains unreadable timestamps")
	}
	fmt.Printf("  Daily budget:  %s\n", daily)
	fmt.Printf("  Used today:    %s\n", plan.Elapsed.Round(time.Second))
	fmt.Println()

	switch plan.State {
	case limiter.StateResting:
		_, _ = red.Printf("  Decision: RESTING (%s)\n", plan.Reason)
		fmt.Printf("  Message:  %s\n", plan.Message)
	default:
		_, _ = green.Println("  Decision: ACTIVE")
		fmt.Printf("  Remaining: %s\n", plan.Remaining.Round(time.Second))
	}
	if plan.ClearedStale {
		_, _ = yellow.Println("  A rest marker from an earlier day would be cleared")
	}
	fmt.Println()
}

func printStatus(status limiter.Status) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Println("\nGate Load")
	fmt.Printf("  Profile:  %s\n", status.Profile)

	switch status.State {
	case limiter.StateResting:
		_, _ = red.Printf("  State:    RESTING (%s)\n", status.Reason)
		fmt.Printf("  Message:  %s\n", status.Message)
	case limiter.StateActive:
		_, _ = green.Println("  State:    ACTIVE")
		fmt.Printf("  Remaining: %s\n", status.Remaining.Round(time.Second))
		if !status.ExpiresAt.IsZero() {
			fmt.Printf("  Expires:   %s\n", status.ExpiresAt.Local().Format(time.RFC3339))
		}
	default:
		_, _ = yellow.Printf("  State:    %s\n", status.State)
	}
	fmt.Println()
}
