package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"unigate/internal/config"
	"unigate/internal/observability"
	"unigate/internal/orchestrator"
	providerfactory "unigate/internal/provider/factory"
	"unigate/internal/server"
	"unigate/internal/tools"
)

func newServeCmd(opts *Options) *cobra.Command {
	var host string
	var port int
	var skipHealth bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer closer.Close()

			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				if port < 0 || port > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", port)
				}
				cfg.Server.Port = port
			}

			ctx := cmd.Context()
			var metrics *observability.Metrics
			if cfg.Metrics.Enabled {
				metrics = observability.NewMetrics()
			}

			gateway, catalog, err := buildGateway(ctx, cfg, metrics, skipHealth)
			if err != nil {
				return err
			}
			defer catalog.Close()

			srv, err := server.New(cfg, gateway, metrics)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Override server host from configuration")
	cmd.Flags().IntVar(&port, "port", 0, "Override server port from configuration")
	cmd.Flags().BoolVar(&skipHealth, "skip-health-checks", false, "Start without probing backends")

	return cmd
}

// buildGateway wires backends, tools and the orchestrator from configuration.
// The caller closes the returned catalog.
func buildGateway(ctx context.Context, cfg config.Config, metrics *observability.Metrics, skipHealth bool) (*orchestrator.Orchestrator, *tools.Catalog, error) {
	registry, err := providerfactory.Build(ctx, cfg, providerfactory.Options{SkipHealthChecks: skipHealth})
	if err != nil {
		return nil, nil, err
	}

	catalog, err := tools.LoadCatalog(ctx, cfg.Tools, http.DefaultClient)
	if err != nil {
		return nil, nil, fmt.Errorf("load tools: %w", err)
	}
	slog.Info("gateway ready", "backends", registry.Names(), "tools", len(catalog.Declarations()))

	gateway, err := orchestrator.New(registry, catalog,
		orchestrator.WithRetryPolicies(orchestrator.RetryPolicies(cfg)),
		orchestrator.WithMetrics(metrics),
	)
	if err != nil {
		_ = catalog.Close()
		return nil, nil, err
	}
	return gateway, catalog, nil
}
