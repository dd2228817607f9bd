// Gray Logic Automation - script and automation engine
//
// automationd runs named scripts and trigger-driven automations against the
// device state published on MQTT, records every run in SQLite and exposes a
// control API. Routines declared with mode "dag" are handed to the
// dependency scheduler so independent device actions run concurrently.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-automation/internal/api"
	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/event"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-automation/internal/script"
	"github.com/nerrad567/gray-logic-automation/internal/state"
	"github.com/nerrad567/gray-logic-automation/internal/trigger"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "automationd",
		Short:         "Gray Logic script and automation engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		// Running without a subcommand starts the daemon.
		RunE: runServe,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(),
		"configuration file (env GRAYLOGIC_CONFIG)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the automation engine",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "validate [routines.yaml]",
			Short: "Validate a routines file without starting the engine",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runValidate,
		},
		&cobra.Command{
			Use:   "graph <script-id> [routines.yaml]",
			Short: "Print the action graph the dependency scheduler would build",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  runGraph,
		},
		newTokenCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "automationd %s (commit %s, built %s)\n", version, commit, date)
			},
		},
	)
	return root
}

// --- serve ---

func runServe(cmd *cobra.Command, _ []string) error {
	// Cancel on Ctrl+C and SIGTERM; SIGHUP reloads routines inside run.
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return run(ctx, configPath)
}

// --- validate ---

func runValidate(cmd *cobra.Command, args []string) error {
	path, err := routinesPath(args, 0)
	if err != nil {
		return err
	}
	defs, err := automation.LoadFile(path)
	if err != nil {
		return err
	}

	var scripts, automations int
	for _, d := range defs {
		if d.Kind == automation.KindAutomation {
			automations++
		} else {
			scripts++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%d scripts, %d automations)\n", path, scripts, automations)
	return nil
}

// --- graph ---

func runGraph(cmd *cobra.Command, args []string) error {
	path, err := routinesPath(args, 1)
	if err != nil {
		return err
	}
	defs, err := automation.LoadFile(path)
	if err != nil {
		return err
	}

	// A detached registry: triggers attach to an empty store and nothing
	// is invoked.
	store := state.NewStore()
	bus := event.NewBus()
	registry := automation.NewRegistry(script.Deps{
		States:   store,
		Triggers: trigger.New(store, bus),
		Bus:      bus,
	}, automation.Options{})
	ctx := cmd.Context()
	if err := registry.Load(ctx, defs); err != nil {
		return err
	}
	defer func() { _ = registry.StopAll(ctx) }()

	nodes, err := registry.Graph(args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(nodes)
}

// --- token ---

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			token, err := api.IssueToken(cfg.API.Auth.JWTSecret, cfg.API.Auth.Issuer, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "token subject, recorded as the user id of runs it starts")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// routinesPath returns args[idx] when given, otherwise the routines file
// named by the configuration.
func routinesPath(args []string, idx int) (string, error) {
	if len(args) > idx {
		return args[idx], nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return cfg.Engine.RoutinesFile, nil
}

// shutdownContext bounds the final cleanup once ctx has been cancelled.
func shutdownContext(limit time.Duration) (context.Context, context.CancelFunc) {
	if limit <= 0 {
		limit = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), limit)
}
