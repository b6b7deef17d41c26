package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gambitlabs/gambit/internal/engine"
	"github.com/gambitlabs/gambit/internal/server"
)

const shutdownGrace = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve decks over HTTP",
	Long: `Starts the harness as an HTTP service exposing POST /runs, /healthz,
/metrics, and a live SSE trace stream on /traces.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		hub := server.NewTraceHub()
		h, err := buildHarness(cmd, engine.WithTraceSink(hub.Publish))
		if err != nil {
			return err
		}

		addr, _ := cmd.Flags().GetString("addr")
		srv := &http.Server{
			Addr:    addr,
			Handler: server.New(h.engine, h.registry, hub, h.log).Handler(),
		}

		serverErrors := make(chan error, 1)
		go func() {
			h.log.Info("listening", "addr", srv.Addr)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			h.log.Info("shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				h.log.Warn("graceful shutdown incomplete; closing", "err", err)
				return srv.Close()
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", ":8080", "Listen address")
}
