package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/KevoDB/persist/pkg/common/log"
	"github.com/KevoDB/persist/pkg/grpc/service"
	"github.com/KevoDB/persist/pkg/grpc/transport"
)

const shutdownTimeout = 5 * time.Second

func (a *app) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a LUN file over gRPC",
		Long: `serve binds the --file LUN and exposes the persistence service over gRPC
until SIGINT or SIGTERM. With telemetry's prometheus exporter enabled, metrics
are served on --metrics-address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runServer(ctx, cmd)
		},
	}

	flags := cmd.Flags()
	flags.String("address", "localhost:50051", "address to listen on")
	flags.String("metrics-address", "localhost:9464", "address of the prometheus metrics endpoint")
	flags.Int("max-buffer-size", service.DefaultMaxBufferSize, "largest read buffer a client may request")
	flags.Bool("tls", false, "enable TLS")
	flags.String("cert", "", "TLS certificate file")
	flags.String("key", "", "TLS private key file")
	flags.String("ca", "", "CA certificate file; when set, client certificates are required")
	return cmd
}

// runServer serves until ctx is done, then shuts down within shutdownTimeout.
func (a *app) runServer(ctx context.Context, cmd *cobra.Command) error {
	sess, err := a.openSession(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer sess.Close()
	logger := log.Component("server")

	srv, err := transport.NewServer(sess.svc, transport.ServerOptions{
		Address:    a.v.GetString("address"),
		TLSEnabled: a.v.GetBool("tls"),
		TLS: transport.TLSConfig{
			CertFile: a.v.GetString("cert"),
			KeyFile:  a.v.GetString("key"),
			CAFile:   a.v.GetString("ca"),
		},
		MaxBufferSize: a.v.GetInt("max-buffer-size"),
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "persist server started on %s (lun 0x%x, %s)\n", srv.Addr(), sess.lun, sess.path)

	var metrics *http.Server
	if sess.provider != nil && sess.provider.MetricsHandler() != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", sess.provider.MetricsHandler())
		metrics = &http.Server{Addr: a.v.GetString("metrics-address"), Handler: mux}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed: %v", err)
			}
		}()
		logger.Info("serving metrics on %s/metrics", metrics.Addr)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	if err := srv.Stop(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("failed to stop server: %w", err)
	}
	if metrics != nil {
		if err := metrics.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop metrics endpoint: %w", err)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Shutdown complete")
	return firstErr
}
