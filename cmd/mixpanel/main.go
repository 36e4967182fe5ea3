package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/discohead/mixpanel-go"
	cfgpkg "github.com/discohead/mixpanel-go/internal/config"
	"github.com/discohead/mixpanel-go/internal/spool"
	pebblestore "github.com/discohead/mixpanel-go/internal/storage/pebble"
	logpkg "github.com/discohead/mixpanel-go/pkg/log"
)

func main() {
	// .env overlay before MIXPANEL_* is read anywhere
	_ = godotenv.Load()

	level := os.Getenv("MIXPANEL_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	// Redirect standard library logs (used by Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "mixpanel",
		Short: "Mixpanel SDK CLI",
		Long:  "Utilities for the durable event pipeline: send test events, drain spools, inspect pending entries.",
	}
	rootCmd.PersistentFlags().String("token", os.Getenv("MIXPANEL_TOKEN"), "Project token")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (defaults to the OS-specific application data directory)")
	rootCmd.PersistentFlags().String("api-host", "", "Ingestion endpoint base URL")
	rootCmd.PersistentFlags().String("config", "", "Config file (JSON or YAML)")

	trackCmd := &cobra.Command{
		Use:   "track <event>",
		Short: "Send one event through the pipeline and flush",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			propsJSON, _ := cmd.Flags().GetString("props")
			distinctID, _ := cmd.Flags().GetString("distinct-id")

			var props map[string]any
			if propsJSON != "" {
				if err := json.Unmarshal([]byte(propsJSON), &props); err != nil {
					return fmt.Errorf("invalid --props: %w", err)
				}
			}

			c, err := newClient(cmd, logger)
			if err != nil {
				return err
			}
			if distinctID != "" {
				c.Identify(distinctID)
			}
			c.Track(args[0], props)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ctx, tcancel := context.WithTimeout(ctx, 30*time.Second)
			defer tcancel()
			if err := c.FlushSync(ctx); err != nil {
				return err
			}
			return c.Close(ctx)
		},
	}
	trackCmd.Flags().String("props", "", "Event properties as a JSON object")
	trackCmd.Flags().String("distinct-id", "", "Identity to stamp on the event")
	rootCmd.AddCommand(trackCmd)

	flushCmd := &cobra.Command{
		Use:   "flush",
		Short: "Deliver everything pending in the token's spool",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd, logger)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ctx, tcancel := context.WithTimeout(ctx, 60*time.Second)
			defer tcancel()
			if err := c.FlushSync(ctx); err != nil {
				return err
			}
			return c.Close(ctx)
		},
	}
	rootCmd.AddCommand(flushCmd)

	spoolCmd := &cobra.Command{Use: "spool", Short: "Spool inspection"}
	spoolStatsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print pending entry counts per stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			db, err := pebblestore.Open(pebblestore.Options{
				DataDir: fmt.Sprintf("%s/%s", cfg.DataDir, token),
				Fsync:   pebblestore.ParseFsyncMode(cfg.Fsync),
			})
			if err != nil {
				return err
			}
			defer db.Close()
			sp, err := spool.Open(db, token, logger)
			if err != nil {
				return err
			}
			for _, stream := range spool.Streams() {
				fmt.Printf("%-8s pending=%d lastRow=%d\n", stream, sp.Count(stream), sp.LastRow(stream))
			}
			return nil
		},
	}
	spoolCmd.AddCommand(spoolStatsCmd)
	rootCmd.AddCommand(spoolCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfig(cmd *cobra.Command) (string, cfgpkg.Config, error) {
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		return "", cfgpkg.Config{}, fmt.Errorf("missing --token (or MIXPANEL_TOKEN)")
	}
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(configFile)
	if err != nil {
		return "", cfgpkg.Config{}, err
	}
	cfgpkg.FromEnv(&cfg)
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if apiHost, _ := cmd.Flags().GetString("api-host"); apiHost != "" {
		cfg.APIHost = apiHost
	}
	return token, cfg, nil
}

func newClient(cmd *cobra.Command, logger logpkg.Logger) (*mixpanel.Client, error) {
	token, cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	opts := []mixpanel.Option{
		mixpanel.WithLogger(logger),
		mixpanel.WithDataDir(cfg.DataDir),
		mixpanel.WithAPIHost(cfg.APIHost),
	}
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		opts = append(opts, mixpanel.WithConfigFile(configFile))
	}
	return mixpanel.New(token, opts...)
}
