package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"adpilot/internal/app"
	"adpilot/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket hub and automation scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		shutdownOTel, err := observability.SetupTracing(cmd.Context(), cfg)
		if err != nil {
			logrus.Warnf("init tracing: %v", err)
		} else {
			defer func() { _ = shutdownOTel(context.Background()) }()
		}
		if migrateOnStart {
			if err := app.Migrate(a.DB); err != nil {
				return err
			}
		}
		if cfg.Log.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.Serve(ctx, fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", true, "run database migrations before serving")
	rootCmd.AddCommand(serveCmd)
}
