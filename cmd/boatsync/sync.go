// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-boatsync/conflict"
	"github.com/mobiletoly/go-boatsync/handler"
	"github.com/mobiletoly/go-boatsync/internal/auth"
	"github.com/mobiletoly/go-boatsync/model"
	"github.com/mobiletoly/go-boatsync/orchestrator"
	"github.com/mobiletoly/go-boatsync/partition"
)

func (c *cli) connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <token>",
		Short: "Store server credentials on this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := c.app.Connect(cmd.Context(), c.cfg.ServerURL, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s as %s\n", c.cfg.ServerURL, userID)
			return nil
		},
	}
}

func (c *cli) requireOnline(ctx context.Context) error {
	if !c.app.CheckConnectivity(ctx) {
		return fmt.Errorf("server %s is not reachable", c.app.Remote.BaseURL)
	}
	return nil
}

func (c *cli) syncCmd() *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a full sync, or sync selected entity types",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := c.requireOnline(ctx); err != nil {
				return err
			}
			start := time.Now()
			var res handler.Result
			if len(types) > 0 {
				parsed := make([]model.EntityType, 0, len(types))
				for _, s := range types {
					t, err := model.ParseEntityType(s)
					if err != nil {
						return err
					}
					parsed = append(parsed, t)
				}
				res = c.app.Orchestrator.SyncTypes(ctx, parsed...)
			} else {
				var started bool
				res, started = c.app.Orchestrator.SyncAll(ctx)
				if !started {
					return orchestrator.ErrSyncInProgress
				}
			}
			printResult(cmd.OutOrStdout(), res, time.Since(start))
			if !res.Success {
				return fmt.Errorf("sync finished with errors")
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "entity types to sync (boat, trip, note, ...)")
	return cmd
}

func printResult(w io.Writer, res handler.Result, took time.Duration) {
	state := "succeeded"
	if !res.Success {
		state = "failed"
	}
	fmt.Fprintf(w, "Sync %s in %v: %d synced, %d conflicts\n", state, took.Round(time.Millisecond), res.SyncedCount, res.ConflictCount)
	for _, err := range res.Errors {
		fmt.Fprintf(w, "  error: %v\n", err)
	}
}

func (c *cli) initialSyncCmd() *cobra.Command {
	var keep string
	cmd := &cobra.Command{
		Use:   "initial-sync",
		Short: "Reconcile local data with the server after connecting",
		Long: `initial-sync uploads local data, downloads server data and stops on every
conflict for a decision. With --keep the decision is made for all conflicts.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch keep {
			case "", "local", "server":
			default:
				return fmt.Errorf("--keep must be local or server")
			}
			ctx := cmd.Context()
			if err := c.requireOnline(ctx); err != nil {
				return err
			}
			session, err := c.app.Orchestrator.StartInitialSync(ctx)
			if err != nil {
				return err
			}
			in := bufio.NewReader(cmd.InOrStdin())
			out := cmd.OutOrStdout()
			start := time.Now()
			for ev := range session.Events() {
				switch e := ev.(type) {
				case orchestrator.Starting:
					fmt.Fprintln(out, "Starting initial sync")
				case orchestrator.Uploading:
					fmt.Fprintf(out, "Uploading %s (%d/%d)\n", e.Type, e.Current, e.Total)
				case orchestrator.Downloading:
					fmt.Fprintf(out, "Downloading %s (%d/%d)\n", e.Type, e.Current, e.Total)
				case orchestrator.Conflicts:
					for _, item := range e.Items {
						useLocal, err := decide(in, out, item, keep)
						if err != nil {
							return err
						}
						if err := session.Resolve(ctx, item.EntityType, item.EntityID, useLocal); err != nil {
							return err
						}
					}
				case orchestrator.Merging:
					fmt.Fprintf(out, "Merging %s (%d/%d)\n", e.Type, e.Current, e.Total)
				case orchestrator.Complete:
					printResult(out, e.Result, time.Since(start))
				case orchestrator.Error:
					printResult(out, e.Result, time.Since(start))
					return e.Err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "", "resolve every conflict with the local or server copy")
	return cmd
}

func decide(in *bufio.Reader, out io.Writer, c *conflict.Conflict, keep string) (bool, error) {
	if keep != "" {
		return keep == "local", nil
	}
	fmt.Fprintf(out, "Conflict on %s %s: local %s, server %s\n", c.EntityType, c.EntityID, c.LocalTimestamp(), c.ServerTimestamp())
	for {
		fmt.Fprint(out, "Keep [l]ocal or [s]erver copy? ")
		line, err := in.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "l", "local":
			return true, nil
		case "s", "server":
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("no decision for %s %s: %w", c.EntityType, c.EntityID, err)
		}
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection, queue and local data state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			a := c.app

			mode, _, err := a.Store.Setting(ctx, partition.AppModeKey)
			if err != nil {
				return err
			}
			if mode == "" {
				mode = partition.AppModeStandalone
			}
			fmt.Fprintf(out, "Mode:    %s\n", mode)

			creds, err := a.Credentials.Load(ctx)
			switch {
			case errors.Is(err, auth.ErrNoCredentials):
				fmt.Fprintln(out, "Server:  not connected")
			case err != nil:
				return err
			default:
				user, _ := creds.UserID()
				reach := "unreachable"
				if a.CheckConnectivity(ctx) {
					reach = "reachable"
				}
				fmt.Fprintf(out, "Server:  %s (%s), user %s\n", creds.ServerURL, reach, user)
			}

			stats, err := a.Queue.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Queue:   %d pending, %d failed, %d delivered\n", stats.Pending, stats.Failed, stats.Synced)

			fmt.Fprintln(out, "Entities:")
			for _, t := range model.AllTypes {
				n, err := a.Store.Count(ctx, t)
				if err != nil {
					return err
				}
				unsynced, err := a.Store.ListUnsynced(ctx, t)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  %-22s %4d (%d unsynced)\n", t, n, len(unsynced))
			}
			return nil
		},
	}
}
