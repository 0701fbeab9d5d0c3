package daemon

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"secret-rotator/cmd/app"
	"secret-rotator/pkg/log"
)

const shutdownTimeout = 10 * time.Second

var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the expiry sweeper and serve metrics until stopped",
	Long: `Run the scheduler loop that completes rotations whose dual-accept window has elapsed
and, when auto_rotate is enabled, starts rotations for secrets that are due.
Compliance metrics are served on metrics.listen_address at /metrics.`,
	Example: `secret-rotator daemon --config /etc/secret-rotator/config.yaml`,
	RunE:    runDaemon,
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	logger := log.Logger.With().Str("component", "daemon").Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wiring, err := app.Bootstrap(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := wiring.Close(); err != nil {
			logger.Error().Err(err).Msg("Error releasing resources")
		}
	}()

	sweeper, err := wiring.InitSweeper(ctx)
	if err != nil {
		return err
	}
	if _, err := wiring.InitAggregator(); err != nil {
		return err
	}

	// A metrics server that cannot listen stops the daemon.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := newMetricsServer(wiring.GetConfig().Metrics.ListenAddress, wiring.InitRegistry())
	serverErr := make(chan error, 1)
	go func() {
		defer close(serverErr)
		logger.Info().Str("address", server.Addr).Msg("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
			serverErr <- err
			cancel()
		}
	}()

	logger.Info().Msg("Starting secret-rotator daemon")
	runErr := sweeper.Run(ctx)

	shutdown(logger, server)
	if err := <-serverErr; err != nil {
		return err
	}
	logger.Info().Msg("Daemon stopped")
	return runErr
}

func newMetricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func shutdown(logger zerolog.Logger, server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server did not shut down cleanly")
	}
}
