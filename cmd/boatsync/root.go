// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-boatsync/config"
	"github.com/mobiletoly/go-boatsync/internal/app"
)

// skipApp marks commands that work without the local store
const skipApp = "skip-app"

type cli struct {
	cfgFile   string
	logLevel  string
	serverURL string
	database  string

	cfg    *config.Config
	logger *slog.Logger
	app    *app.App
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "boatsync",
		Short: "Offline-first sync engine for boats, trips and logbook data",
		Long: `boatsync keeps a local store of boats, trips, notes, todos, maintenance
records, marked locations and photos consistent with a sync server under
intermittent connectivity.`,
		PersistentPreRunE:  c.setup,
		PersistentPostRunE: c.teardown,
		SilenceUsage:       true,
		SilenceErrors:      true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (YAML)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&c.serverURL, "server", "", "sync server URL")
	flags.StringVar(&c.database, "db", "", "local database path")

	root.AddCommand(
		c.connectCmd(),
		c.syncCmd(),
		c.initialSyncCmd(),
		c.statusCmd(),
		c.queueCmd(),
		c.disconnectCmd(),
		c.runCmd(),
		c.devserverCmd(),
		c.tokenCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.serverURL != "" {
		cfg.ServerURL = c.serverURL
	}
	if c.database != "" {
		cfg.DatabasePath = c.database
	}
	c.cfg = cfg
	c.logger = app.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(c.logger)

	if cmd.Annotations[skipApp] != "" {
		return nil
	}
	c.app, err = app.New(cfg, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	return nil
}

func (c *cli) teardown(_ *cobra.Command, _ []string) error {
	if c.app == nil {
		return nil
	}
	return c.app.Close()
}
