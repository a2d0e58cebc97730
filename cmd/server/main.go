package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/propmarket/promotions/internal/app"
	"github.com/propmarket/promotions/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var appCfg config.AppConfig

var rootCmd = &cobra.Command{
	Use:           "promotions",
	Short:         "Balance ledger and paid promotion services for property listings",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and seed the price list",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Migrate(cmd.Context(), appCfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&appCfg.ConfigPath, "config", "", "path to config.yaml (default $PROMO_CONFIG or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&appCfg.EnvFile, "env", "", "path to a .env file (default ./.env)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func serve(ctx context.Context) error {
	log.Infof("promotions %s starting", Version)
	return app.RunServer(ctx, appCfg)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
