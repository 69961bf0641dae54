package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bgdnvk/stormcloud/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the deployment API server",
	Long: `Serve the deployment API:

  POST   /api/google/deploy        start a deployment, streams NDJSON progress
  POST   /api/google/permissions   enable APIs and grant roles, streams NDJSON
  DELETE /api/sessions/{id}        cancel a running session
  GET    /healthz
  GET    /metrics`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		mw, err := authMiddleware(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, cfg, log)
		if err != nil {
			return err
		}
		srv := server.New(rt.orch, mw, server.Config{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Debug:          log.IsLevelEnabled(logrus.DebugLevel),
			Metrics:        rt.metrics.Handler(),
		}, log)

		log.WithFields(logrus.Fields{
			"demo":     cfg.Demo,
			"provider": cfg.AI.Provider,
			"archive":  cfg.Archive.Bucket,
		}).Info("starting stormcloud")
		return server.Run(ctx, cfg.Server.Addr(), srv.Handler(), cfg.Server.ShutdownTimeout, log, func(ctx context.Context) error {
			return rt.Shutdown(ctx)
		})
	},
}

func init() {
	serveCmd.Flags().String("port", "", "port to listen on (default 8080)")
	serveCmd.Flags().String("bind-host", "", "address to bind to")
	serveCmd.Flags().String("run-as-user", "", "authenticate every request as this user instead of checking IAP")
	serveCmd.Flags().Bool("demo", false, "use in-memory collaborators instead of Google Cloud and GitHub")

	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.bind_host", serveCmd.Flags().Lookup("bind-host"))
	viper.BindPFlag("server.run_as_user", serveCmd.Flags().Lookup("run-as-user"))
	viper.BindPFlag("demo", serveCmd.Flags().Lookup("demo"))
}
