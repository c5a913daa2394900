package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"

	"github.com/outofforest/coap"
	"github.com/outofforest/coap/exchange"
	"github.com/outofforest/coap/resource"
	"github.com/outofforest/coap/transport"
	"github.com/outofforest/coap/wire"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logger.New(logger.DefaultConfig)
	ctx = logger.WithLogger(ctx, log)

	if err := rootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath, listen string

	cmd := &cobra.Command{
		Use:          "coapd",
		Short:        "Constrained application protocol node",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML configuration file")
	cmd.PersistentFlags().StringVar(&listen, "listen", "127.0.0.1:5683", "UDP address to listen on")

	cmd.AddCommand(serveCmd(&configPath, &listen), getCmd(&configPath))
	return cmd
}

func serveCmd(configPath, listen *string) *cobra.Command {
	var metricsAddr string
	var tick time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves observable counter and clock resources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			registry := prometheus.NewRegistry()
			config, err := coap.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			config.Registerer = registry

			udp, err := transport.ListenUDP(*listen, config.InboundQueueSize)
			if err != nil {
				return err
			}
			engine, err := coap.New(ctx, config, udp, wire.NewCodec())
			if err != nil {
				return err
			}

			counter := resource.NewValue(resource.ValueConfig{
				Path:       "counter",
				Observable: true,
				MaxAge:     time.Minute,
			}, uint64(0))
			now := resource.NewValue(resource.ValueConfig{
				Path:                     "time",
				Observable:               true,
				ConfirmableNotifications: true,
				ReadOnly:                 true,
			}, time.Now().UTC().Format(time.RFC3339))
			name := resource.NewValue(resource.ValueConfig{Path: "name"}, "coapd")
			for _, res := range []resource.Resource{counter, now, name} {
				if err := engine.AddResource(res); err != nil {
					return err
				}
			}

			logger.Get(ctx).Info("Serving", zap.String("endpoint", string(udp.LocalEndpoint())),
				zap.String("metrics", metricsAddr))

			return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
				spawn("engine", parallel.Fail, engine.Run)
				spawn("ticker", parallel.Fail, func(ctx context.Context) error {
					ticker := time.NewTicker(tick)
					defer ticker.Stop()

					for {
						select {
						case <-ctx.Done():
							return errors.WithStack(ctx.Err())
						case t := <-ticker.C:
							counter.Update(func(v uint64) uint64 {
								return v + 1
							})
							now.Set(t.UTC().Format(time.RFC3339))
						}
					}
				})
				if metricsAddr != "" {
					spawn("metrics", parallel.Fail, func(ctx context.Context) error {
						return serveMetrics(ctx, metricsAddr, registry)
					})
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "address of prometheus metrics endpoint, disabled if empty")
	cmd.Flags().DurationVar(&tick, "tick", time.Second, "update period of the resources")
	return cmd
}

func getCmd(configPath *string) *cobra.Command {
	var observe bool
	var accept uint16

	cmd := &cobra.Command{
		Use:   "get <endpoint> <path>",
		Short: "Fetches or observes resource of the remote node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ep, path := wire.Endpoint(args[0]), args[1]

			config, err := coap.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			udp, err := transport.ListenUDP(":0", config.InboundQueueSize)
			if err != nil {
				return err
			}
			engine, err := coap.New(ctx, config, udp, wire.NewCodec())
			if err != nil {
				return err
			}

			req := wire.NewRequest(wire.GET, path)
			req.Options.Accept = wire.ContentFormat(accept)

			return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
				spawn("engine", parallel.Fail, engine.Run)
				spawn("client", parallel.Exit, func(ctx context.Context) error {
					if !observe {
						resp, err := engine.Do(ctx, ep, req)
						if err != nil {
							return err
						}
						printResponse(resp)
						return nil
					}

					doneCh := make(chan error, 1)
					observation, err := engine.Observe(ctx, ep, req, exchange.HandlerFunc(func(ev exchange.Event) {
						if resp, ok := ev.(exchange.ResponseEvent); ok {
							printResponse(resp.Response)
						}
						if exchange.Terminal(ev) {
							doneCh <- exchange.Err(ev)
						}
					}))
					if err != nil {
						return err
					}

					select {
					case <-ctx.Done():
						observation.Cancel()
						return errors.WithStack(ctx.Err())
					case err := <-doneCh:
						return err
					}
				})
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&observe, "observe", false, "observe the resource until interrupted")
	cmd.Flags().Uint16Var(&accept, "accept", uint16(wire.NoContentFormat), "requested content format")
	return cmd
}

func printResponse(resp *wire.Message) {
	if seq, ok := resp.Options.Observe(); ok {
		fmt.Printf("%s [%d] %s\n", resp.Code, seq, resp.Payload)
		return
	}
	fmt.Printf("%s %s\n", resp.Code, resp.Payload)
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithStack(err)
	}

	server := &http.Server{
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.WithStack(err)
			}
			return errors.WithStack(ctx.Err())
		})
		spawn("closer", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			if err := server.Close(); err != nil {
				return errors.WithStack(err)
			}
			return errors.WithStack(ctx.Err())
		})
		return nil
	})
}
