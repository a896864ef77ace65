package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hookline/hookline/pkg/api"
	"github.com/hookline/hookline/pkg/broker"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/ingest"
	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/notify"
	"github.com/hookline/hookline/pkg/storage"
	"github.com/hookline/hookline/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes
const (
	exitOK          = 0
	exitInvalidArgs = 2
	exitValidation  = 3
	exitBackend     = 4
)

// exitError carries a process exit code through cobra's error path
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if ee, ok := err.(*exitError); ok {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hookline",
	Short: "Hookline - developer-workflow event broker",
	Long: `Hookline ingests source-control and issue-tracker webhooks,
classifies and deduplicates them, and fans them out as chat notifications
under batching, scheduling, routing and workload-analysis policies.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hookline version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Data directory for the state store")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dedupCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})
}

func openStore(cmd *cobra.Command) (*storage.BoltStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, &exitError{code: exitBackend, msg: fmt.Sprintf("failed to create data dir: %v", err)}
	}
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, &exitError{code: exitBackend, msg: fmt.Sprintf("failed to open store: %v", err)}
	}
	return store, nil
}

// buildBroker assembles the full pipeline from flags and environment
func buildBroker(cmd *cobra.Command) (*broker.Broker, *config.Registry, error) {
	store, err := openStore(cmd)
	if err != nil {
		return nil, nil, err
	}

	registry := config.NewRegistry(store)
	if err := registry.Restore(); err != nil {
		store.Close()
		return nil, nil, &exitError{code: exitBackend, msg: fmt.Sprintf("failed to restore config: %v", err)}
	}
	if configDir, _ := cmd.Flags().GetString("config-dir"); configDir != "" {
		if err := registry.LoadDir(configDir); err != nil {
			baseLogger := log.Base()
			baseLogger.Error().Err(err).Str("dir", configDir).Msg("Failed to load config dir")
		}
	}

	var transport notify.Transport
	if token := os.Getenv("HOOKLINE_SLACK_TOKEN"); token != "" {
		transport = notify.NewSlackTransport(token)
	} else {
		transport = notify.NewLogTransport()
	}

	b := broker.New(broker.Options{}, store, registry, notify.TextRenderer{}, transport)
	return b, registry, nil
}

// Serve command

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		listenAddr, _ := cmd.Flags().GetString("listen")
		adminAddr, _ := cmd.Flags().GetString("admin")
		configDir, _ := cmd.Flags().GetString("config-dir")

		b, registry, err := buildBroker(cmd)
		if err != nil {
			return err
		}

		if err := b.Start(); err != nil {
			return &exitError{code: exitBackend, msg: err.Error()}
		}

		logger := log.WithComponent("serve")

		var watcher *config.Watcher
		if configDir != "" {
			watcher, err = config.NewWatcher(registry, configDir)
			if err != nil {
				logger.Error().Err(err).Msg("Config watcher unavailable")
			} else {
				watcher.Start()
			}
		}

		webhooks := ingest.NewServer(listenAddr, b, ingest.Secrets{
			SourceControl: os.Getenv("HOOKLINE_GITHUB_SECRET"),
			Tracker:       os.Getenv("HOOKLINE_JIRA_SECRET"),
			Manual:        os.Getenv("HOOKLINE_MANUAL_SECRET"),
		})
		admin := api.NewServer(adminAddr, b)

		servers, serverCtx := errgroup.WithContext(context.Background())
		servers.Go(webhooks.Start)
		servers.Go(admin.Start)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		case <-serverCtx.Done():
			logger.Error().Msg("A listener exited; shutting down")
		}

		if watcher != nil {
			watcher.Stop()
		}
		if err := webhooks.Shutdown(5 * time.Second); err != nil {
			logger.Error().Err(err).Msg("Webhook shutdown failed")
		}
		b.Drain()
		if err := admin.Shutdown(5 * time.Second); err != nil {
			logger.Error().Err(err).Msg("Admin shutdown failed")
		}
		if err := servers.Wait(); err != nil {
			logger.Error().Err(err).Msg("Server failed")
		}
		return b.Stop()
	},
}

// Drain command: flush batches and stop a local pipeline cleanly by
// running the drain sequence against the data directory
var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Flush pending batches and scheduled state, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, _, err := buildBroker(cmd)
		if err != nil {
			return err
		}
		if err := b.Start(); err != nil {
			return &exitError{code: exitBackend, msg: err.Error()}
		}
		b.Drain()
		fmt.Println("Drained.")
		return b.Stop()
	},
}

// Replay command

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-feed retained events through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		fromStr, _ := cmd.Flags().GetString("from")
		toStr, _ := cmd.Flags().GetString("to")
		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return &exitError{code: exitInvalidArgs, msg: fmt.Sprintf("invalid --from: %v", err)}
		}
		to, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return &exitError{code: exitInvalidArgs, msg: fmt.Sprintf("invalid --to: %v", err)}
		}

		b, _, err := buildBroker(cmd)
		if err != nil {
			return err
		}
		if err := b.Start(); err != nil {
			return &exitError{code: exitBackend, msg: err.Error()}
		}

		replayed, err := b.Replay(from, to)
		if err != nil {
			return &exitError{code: exitBackend, msg: fmt.Sprintf("replay failed after %d events: %v", replayed, err)}
		}
		b.Drain()
		fmt.Printf("Replayed %d events.\n", replayed)
		return b.Stop()
	},
}

// Config commands

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage team configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a team config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFile(args[0])
		if err != nil {
			return &exitError{code: exitInvalidArgs, msg: err.Error()}
		}
		cfg.ApplyDefaults()
		result := config.NewValidator().Validate(cfg)
		for _, e := range result.Errors {
			fmt.Printf("error: %s\n", e)
		}
		for _, w := range result.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		for _, s := range result.Suggestions {
			fmt.Printf("suggestion: %s\n", s)
		}
		if !result.OK() {
			return &exitError{code: exitValidation, msg: fmt.Sprintf("%d validation errors", len(result.Errors))}
		}
		fmt.Println("Config is valid.")
		return nil
	},
}

var configSetActiveCmd = &cobra.Command{
	Use:   "set-active <team> <version>",
	Short: "Activate a stored config snapshot version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var version int
		if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
			return &exitError{code: exitInvalidArgs, msg: "version must be an integer"}
		}
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		registry := config.NewRegistry(store)
		if _, err := registry.Rollback(args[0], version, "cli"); err != nil {
			return &exitError{code: exitBackend, msg: err.Error()}
		}
		fmt.Printf("Team %s active config set to v%d.\n", args[0], version)
		return nil
	},
}

var configSnapshotsCmd = &cobra.Command{
	Use:   "snapshots <team>",
	Short: "List stored config snapshot versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		versions, err := store.ListTeamVersions(args[0])
		if err != nil {
			return &exitError{code: exitBackend, msg: err.Error()}
		}
		active, _ := store.GetActiveVersion(args[0])
		for _, v := range versions {
			marker := " "
			if v == active {
				marker = "*"
			}
			fmt.Printf("%s v%d\n", marker, v)
		}
		return nil
	},
}

// Dedup commands

var dedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Manage the dedup window",
}

var dedupPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge dedup entries, optionally by event kind",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		purged, err := store.PurgeDedup(types.Kind(kind))
		if err != nil {
			return &exitError{code: exitBackend, msg: err.Error()}
		}
		fmt.Printf("Purged %d dedup entries.\n", purged)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", ":8080", "Webhook listen address")
	serveCmd.Flags().String("admin", ":9090", "Control-plane listen address")
	serveCmd.Flags().String("config-dir", "", "Directory of team config YAML files (hot reloaded)")

	drainCmd.Flags().String("config-dir", "", "Directory of team config YAML files")

	replayCmd.Flags().String("from", "", "Replay window start (RFC3339)")
	replayCmd.Flags().String("to", "", "Replay window end (RFC3339)")
	replayCmd.Flags().String("config-dir", "", "Directory of team config YAML files")
	replayCmd.MarkFlagRequired("from")
	replayCmd.MarkFlagRequired("to")

	dedupPurgeCmd.Flags().String("kind", "", "Restrict purge to one event kind")

	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configSetActiveCmd)
	configCmd.AddCommand(configSnapshotsCmd)
	dedupCmd.AddCommand(dedupPurgeCmd)
}
