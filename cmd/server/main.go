// cmd/server/main.go
// HTTP server and maintenance commands
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "server",
		Short:   "Loan payment and wallet settlement service",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(accrueCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the penalty scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			log := app.log

			if app.cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET must be set to serve the API")
			}

			if _, err := app.ledger.EnsureSharedWallet(cmd.Context()); err != nil {
				return fmt.Errorf("failed to seed shared wallet: %w", err)
			}

			if !noScheduler {
				if err := app.penalties.Start(app.cfg.PenaltyCron); err != nil {
					return err
				}
				defer app.penalties.Stop()
			}

			if !app.cfg.IsDevelopment() {
				gin.SetMode(gin.ReleaseMode)
			}
			router := app.router()

			srv := &http.Server{
				Addr:         fmt.Sprintf(":%s", app.cfg.Port),
				Handler:      router,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("starting server", zap.String("port", app.cfg.Port))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-quit:
			case err := <-errCh:
				return fmt.Errorf("failed to start server: %w", err)
			}

			log.Info("shutting down server...")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}

			log.Info("server exited")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the penalty accrual scheduler")
	return cmd
}

func accrueCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "accrue-penalties",
		Short: "Run one penalty accrual batch and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = t
			}

			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.penalties.Run(cmd.Context(), now)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "evaluate as of this RFC3339 time instead of now")
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check every wallet balance against its ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.reconciler.ReconcileWallets(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if !report.IsBalanced {
				return fmt.Errorf("ledger is unbalanced: %d discrepancies", len(report.Discrepancies))
			}
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Apply the schema and create the shared wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			wallet, err := app.ledger.EnsureSharedWallet(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, wallet)
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
