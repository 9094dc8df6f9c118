package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront-payments/internal/api"
	"storefront-payments/internal/database"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var skipMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Production() {
				gin.SetMode(gin.ReleaseMode)
			}
			if !skipMigrate {
				if err := database.Migrate(ctx, a.db.DB()); err != nil {
					return err
				}
			}

			server := api.NewServer(a.registry, a.store, a.worker, a.db.Health, a.logger.Named("api"), api.Options{
				IsAdmin:        a.cfg.IsAdmin,
				AllowedOrigins: a.cfg.AllowedOrigins,
				CheckoutRate:   a.cfg.CheckoutPerMinute,
				IntentTTL:      a.cfg.IntentTTL,
			})

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.ListenAndServe(ctx, fmt.Sprintf(":%d", a.cfg.HTTPPort))
			})
			g.Go(func() error {
				a.worker.Run(ctx)
				return nil
			})
			g.Go(func() error {
				server.SweepLimiters(ctx, 5*time.Minute)
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply migrations on start")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := database.Migrate(cmd.Context(), a.db.DB()); err != nil {
				return err
			}
			a.logger.Info("migrations applied")
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.worker.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"expired=%d recovered=%d observed=%d matched=%d settled=%d failed=%d flagged=%d orphaned=%d cursor=%q\n",
				report.Expired, report.Recovered, report.Observed, report.Matched,
				report.Settled, report.Failed, report.Flagged, report.Orphaned, report.Cursor,
			)
			return nil
		},
	}
}

func stockCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "stock <product-id> <quantity>",
		Short: "Set the stock of a product",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				id  int64
				qty int
			)
			if _, err := fmt.Sscan(args[0], &id); err != nil {
				return fmt.Errorf("product id: %w", err)
			}
			if _, err := fmt.Sscan(args[1], &qty); err != nil {
				return fmt.Errorf("quantity: %w", err)
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return a.store.Stock.SetStock(cmd.Context(), id, name, qty)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "product name")
	return cmd
}
