// Command relay-agent runs the Relay data collection agent: it harvests
// records from configured sources and streams them to the Relay cloud over
// a resilient websocket, spooling to a local queue while offline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaymesh/relay-agent/pkg/config"
	"github.com/relaymesh/relay-agent/pkg/engine"
	"github.com/relaymesh/relay-agent/pkg/health"
	"github.com/relaymesh/relay-agent/pkg/logger"
	"github.com/relaymesh/relay-agent/pkg/plugin"
	"github.com/relaymesh/relay-agent/pkg/plugin/registry"
	"github.com/relaymesh/relay-agent/pkg/queue"
	"github.com/relaymesh/relay-agent/pkg/transport"

	// Data source adapters register themselves on import.
	_ "github.com/relaymesh/relay-agent/pkg/connector/sources/csvfile"
	_ "github.com/relaymesh/relay-agent/pkg/connector/sources/gcs"
	_ "github.com/relaymesh/relay-agent/pkg/connector/sources/kafka"
	_ "github.com/relaymesh/relay-agent/pkg/connector/sources/mongodb"
	_ "github.com/relaymesh/relay-agent/pkg/connector/sources/mysql"
	_ "github.com/relaymesh/relay-agent/pkg/connector/sources/postgres"
	_ "github.com/relaymesh/relay-agent/pkg/connector/sources/redisq"
	_ "github.com/relaymesh/relay-agent/pkg/connector/sources/rest"
	_ "github.com/relaymesh/relay-agent/pkg/connector/sources/s3"
	_ "github.com/relaymesh/relay-agent/pkg/connector/sources/snowflake"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "relay-agent",
		Short:         "Relay data collection agent",
		Long:          "Harvests records from configured data sources and streams them to the Relay cloud.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(
		newRunCmd(&configPath),
		newPluginsCmd(),
		newSourcesCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

// setup loads configuration and initializes logging
func setup(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		Development: cfg.Log.Development,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildEngine wires the store, queue, transport, and engine together
func buildEngine(cfg *config.Config) (*engine.Engine, *queue.Queue, *transport.Client, error) {
	store, err := config.NewStore(cfg.DataDir)
	if err != nil {
		return nil, nil, nil, err
	}

	q, err := queue.New(queue.Options{
		Path:       cfg.Queue.Path,
		MaxSize:    cfg.Queue.MaxSize,
		MaxRetries: cfg.Queue.MaxRetries,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	client := transport.NewClient(transport.Options{
		URL:          cfg.Cloud.URL,
		APIKey:       cfg.Cloud.APIKey,
		ClientID:     cfg.Cloud.ClientID,
		PingInterval: cfg.Cloud.PingInterval,
		PingTimeout:  cfg.Cloud.PingTimeout,
	})

	eng := engine.New(registry.Default(), store, client, q, engine.Options{
		DrainBatch:    cfg.Queue.DrainBatch,
		DrainInterval: cfg.Queue.DrainInterval,
	})

	client.OnCommand = eng.HandleCommand
	client.OnConfigUpdate = eng.HandleConfigUpdate
	client.OnStateChange = func(s transport.State) {
		eng.NotifyTransportState(s == transport.StateConnected)
	}

	return eng, q, client, nil
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			eng, q, _, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			eng.Start(cmd.Context())

			var monitor *health.Monitor
			if cfg.Health.Enabled {
				monitor = health.NewMonitor(eng, health.Options{
					Addr:     cfg.Health.Addr,
					DataPath: cfg.DataDir,
				})
				monitor.Start()
			}

			logger.Info("agent running",
				zap.String("version", version),
				zap.String("cloud_url", cfg.Cloud.URL),
				zap.String("data_dir", cfg.DataDir))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("shutting down", zap.String("signal", sig.String()))

			if monitor != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				monitor.Stop(ctx)
				cancel()
			}
			eng.Stop()
			return nil
		},
	}
}

func newPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List available data source plugins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, desc := range registry.Default().List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", desc.Metadata.ID, desc.Metadata.Description)
				for _, f := range desc.CredentialFields {
					req := ""
					if f.Required {
						req = " (required)"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "    %-20s %s%s\n", f.Name, f.Label, req)
				}
			}
			return nil
		},
	}
}

func newSourcesCmd(configPath *string) *cobra.Command {
	sources := &cobra.Command{
		Use:   "sources",
		Short: "Manage configured data sources",
	}
	sources.AddCommand(
		newSourcesListCmd(configPath),
		newSourcesAddCmd(configPath),
		newSourcesRemoveCmd(configPath),
		newSourcesTestCmd(configPath),
	)
	return sources
}

func newSourcesListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(*configPath)
			if err != nil {
				return err
			}
			store, err := config.NewStore(cfg.DataDir)
			if err != nil {
				return err
			}
			for _, sc := range store.List() {
				state := "disabled"
				if sc.Enabled {
					state = "enabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-12s %-24s %s (every %ds)\n",
					sc.ID, sc.PluginType, sc.Name, state, sc.Interval())
			}
			return nil
		},
	}
}

// parseCredentials turns repeated key=value flags into a credential map
func parseCredentials(pairs []string) (plugin.Credentials, error) {
	creds := plugin.Credentials{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid credential %q, expected key=value", pair)
		}
		creds[k] = v
	}
	return creds, nil
}

func newSourcesAddCmd(configPath *string) *cobra.Command {
	var (
		name      string
		credPairs []string
		interval  int
	)
	cmd := &cobra.Command{
		Use:   "add <plugin-type>",
		Short: "Test-connect and persist a new source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(*configPath)
			if err != nil {
				return err
			}
			creds, err := parseCredentials(credPairs)
			if err != nil {
				return err
			}

			eng, q, _, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			id, err := eng.AddSource(cmd.Context(), args[0], name, creds, interval)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "source added: %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name")
	cmd.Flags().StringArrayVar(&credPairs, "cred", nil, "credential as key=value (repeatable)")
	cmd.Flags().IntVar(&interval, "interval", 60, "sync interval in seconds")
	return cmd
}

func newSourcesRemoveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <source-id>",
		Short: "Remove a configured source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(*configPath)
			if err != nil {
				return err
			}
			store, err := config.NewStore(cfg.DataDir)
			if err != nil {
				return err
			}
			if err := store.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "source removed: %s\n", args[0])
			return nil
		},
	}
}

func newSourcesTestCmd(configPath *string) *cobra.Command {
	var credPairs []string
	cmd := &cobra.Command{
		Use:   "test <plugin-type>",
		Short: "Test credentials without persisting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(*configPath)
			if err != nil {
				return err
			}
			creds, err := parseCredentials(credPairs)
			if err != nil {
				return err
			}

			eng, q, _, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			ok, msg := eng.TestSource(ctx, args[0], creds)
			if !ok {
				return fmt.Errorf("connection test failed: %s", msg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", msg)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&credPairs, "cred", nil, "credential as key=value (repeatable)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay-agent %s\nplugins: %s\n",
				version, strings.Join(registry.Default().Types(), ", "))
		},
	}
}
