package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/lightseekorg/smg/internal/config"
	"github.com/lightseekorg/smg/internal/gateway"
)

var shutdownGrace time.Duration

// serveCmd keeps the routing core alive: health monitor, cache-aware
// eviction ticker, and configured-worker admission. The actual
// HTTP/gRPC listener that terminates client connections is the
// surrounding server (spec.md §1 "out of scope"); this command is the
// thin stand-in that exercises the same construction the real server
// would perform, and logs periodic diagnostics while it runs.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Build the routing core from config and keep it alive",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		gw, err := gateway.Build(cfg, prometheus.DefaultRegisterer, log.WithField("component", "gateway"))
		if err != nil {
			return err
		}
		defer gw.Close()

		log.WithField("workers", len(gw.Router.ListWorkers())).Info("gateway core running")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("shutdown signal received; draining in-flight requests")
				time.Sleep(shutdownGrace)
				log.Info("shutdown grace period elapsed; exiting")
				return nil
			case <-ticker.C:
				snap := gw.Router.Snapshot()
				log.WithField("workers", len(snap.Workers)).Debug("diagnostic tick")
			}
		}
	},
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace-period", 5*time.Second, "Grace period to let in-flight requests finish before exit")
}
