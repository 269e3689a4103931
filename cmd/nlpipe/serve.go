package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dusk-indust/nlpipe/internal/backend"
	"github.com/dusk-indust/nlpipe/internal/mcptools"
	"github.com/dusk-indust/nlpipe/internal/metrics"
	"github.com/dusk-indust/nlpipe/internal/pipeline"
	"github.com/dusk-indust/nlpipe/internal/stagetask"
)

func newServeBackendCmd(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve-backend",
		Short: "Serve the reference stage backend with deterministic demo runners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = a.cfg.Backend.Listen
			}
			b := backend.New(backend.DemoRunners(a.cfg.Backend.DemoDelay),
				backend.WithEndpoints(a.cfg.Endpoints()),
				backend.WithLogger(a.logger),
				backend.WithServerOptions(stagetask.WithServerLogger(a.logger)),
			)
			if err := b.Start(cmd.Context(), listen); err != nil {
				return err
			}

			<-cmd.Context().Done()
			a.logger.Info("nlpipe: shutting down backend")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return b.Stop(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default backend.listen)")
	return cmd
}

func newServeMCPCmd(a *app) *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "serve-mcp",
		Short: "Expose the pipeline as MCP tools over stdio or streamable HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			collector := metrics.New()
			ctrl := a.newController(collector)
			defer ctrl.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)
			if a.cfg.Metrics.Addr != "" {
				g.Go(func() error {
					return serveHTTP(ctx, a.cfg.Metrics.Addr, metricsMux(collector))
				})
			}
			g.Go(func() error {
				defer cancel()
				defer ctrl.Cancel()
				if httpAddr != "" {
					a.logger.Info("nlpipe: serving MCP over HTTP", "addr", httpAddr)
					return mcptools.RunHTTP(ctx, ctrl, httpAddr)
				}
				return mcptools.RunStdio(ctx, ctrl)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve streamable HTTP on this address instead of stdio")
	return cmd
}

// newController builds a controller for the configured backend.
func (a *app) newController(observer pipeline.Observer, opts ...pipeline.Option) *pipeline.Controller {
	client := stagetask.NewHTTPClient(a.cfg.Endpoints(),
		stagetask.WithStartTimeout(a.cfg.Backend.StartTimeout),
		stagetask.WithLogger(a.logger),
	)
	opts = append([]pipeline.Option{
		pipeline.WithLogger(a.logger),
		pipeline.WithObserver(observer),
		pipeline.WithParseDefaults(pipeline.ParseDefaults{
			Index: a.cfg.Parse.Index,
			Desc:  a.cfg.Parse.Desc,
			Model: a.cfg.Parse.Model,
		}),
	}, opts...)
	return pipeline.New(client, opts...)
}

func metricsMux(c *metrics.Collector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", c.Handler())
	return mux
}

// serveHTTP serves h on addr until ctx is cancelled.
func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return serveListener(ctx, ln, h)
}

// serveListener serves h on ln until ctx is cancelled, then shuts down
// gracefully.
func serveListener(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", ln.Addr(), err)
	}
	return nil
}
