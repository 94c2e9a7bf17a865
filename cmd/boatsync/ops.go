// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-boatsync/internal/auth"
	"github.com/mobiletoly/go-boatsync/internal/devserver"
	"github.com/mobiletoly/go-boatsync/offline"
	"github.com/mobiletoly/go-boatsync/partition"
)

func (c *cli) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the offline change queue",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List changes waiting for delivery",
			RunE: func(cmd *cobra.Command, _ []string) error {
				changes, err := c.app.Queue.Pending(cmd.Context(), 0)
				if err != nil {
					return err
				}
				printChanges(cmd.OutOrStdout(), changes)
				return nil
			},
		},
		&cobra.Command{
			Use:   "failed",
			Short: "List changes that ran out of delivery attempts",
			RunE: func(cmd *cobra.Command, _ []string) error {
				changes, err := c.app.Queue.Failed(cmd.Context())
				if err != nil {
					return err
				}
				printChanges(cmd.OutOrStdout(), changes)
				return nil
			},
		},
		&cobra.Command{
			Use:   "retry <change-id>...",
			Short: "Reset the attempts of failed changes",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, id := range args {
					if err := c.app.Queue.Retry(cmd.Context(), id); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d change(s) will be retried on the next sync\n", len(args))
				return nil
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Remove delivered changes older than the retention window",
			RunE: func(cmd *cobra.Command, _ []string) error {
				n, err := c.app.Queue.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d change(s)\n", n)
				return nil
			},
		},
	)
	return cmd
}

func printChanges(w io.Writer, changes []offline.Change) {
	if len(changes) == 0 {
		fmt.Fprintln(w, "No changes")
		return
	}
	for _, ch := range changes {
		fmt.Fprintf(w, "%s  %-20s %-22s %s  attempts=%d", ch.ID, ch.ChangeType, ch.EntityType, ch.EntityID, ch.SyncAttempts)
		if ch.LastError != "" {
			fmt.Fprintf(w, "  last_error=%q", ch.LastError)
		}
		fmt.Fprintln(w)
	}
}

func (c *cli) disconnectCmd() *cobra.Command {
	var finalSync bool
	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Leave the server and keep only data this user owns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if finalSync && !c.app.CheckConnectivity(ctx) {
				return fmt.Errorf("server is not reachable; retry without --final-sync to drop pending changes")
			}
			res, err := c.app.Partitioner.Disconnect(ctx, partition.Options{FinalSync: finalSync})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Disconnected user %s\n", res.UserID)
			fmt.Fprint(out, res.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&finalSync, "final-sync", true, "push pending local changes before pruning")
	return cmd
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep syncing in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.app.Run(ctx)
		},
	}
}

func (c *cli) devserverCmd() *cobra.Command {
	var (
		addr    string
		keepIDs bool
	)
	cmd := &cobra.Command{
		Use:         "devserver",
		Short:       "Serve an in-memory sync server for local development",
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg.DevServer
			if addr != "" {
				cfg.Addr = addr
			}
			if cfg.JWTSecret == "" {
				c.logger.Warn("No JWT secret configured, requests are not authenticated")
			}
			srv := devserver.New(devserver.Options{
				JWTSecret:     cfg.JWTSecret,
				KeepClientIDs: keepIDs,
				Logger:        c.logger,
			})
			defer srv.Close()

			httpSrv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				c.logger.Info("Dev server listening", "addr", cfg.Addr)
				errCh <- httpSrv.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			c.logger.Info("Dev server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from devserver.addr)")
	cmd.Flags().BoolVar(&keepIDs, "keep-client-ids", false, "keep client IDs on create instead of assigning server IDs")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		device string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:         "token <user-id>",
		Short:       "Issue a token signed with the dev server secret",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := c.cfg.DevServer.JWTSecret
			if secret == "" {
				return fmt.Errorf("devserver.jwt_secret is not configured")
			}
			tok, err := auth.NewJWTAuth(secret).GenerateToken(args[0], device, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "cli", "device ID claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
