package cmd

import (
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	providerfactory "unigate/internal/provider/factory"
	"unigate/internal/tools"
)

func newCheckCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and probe every backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx := cmd.Context()
			registry, err := providerfactory.Build(ctx, cfg, providerfactory.Options{SkipHealthChecks: true})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BACKEND\tKIND\tSTATUS\tLATENCY")

			failed := 0
			for _, name := range registry.Names() {
				p, _ := registry.Get(name)
				start := time.Now()
				err := providerfactory.HealthCheck(ctx, p)
				latency := time.Since(start).Round(time.Millisecond)
				if err != nil {
					failed++
					fmt.Fprintf(w, "%s\t%s\tFAIL: %v\t%s\n", name, p.Kind(), err, latency)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\tok\t%s\n", name, p.Kind(), latency)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			catalog, err := tools.LoadCatalog(ctx, cfg.Tools, http.DefaultClient)
			if err != nil {
				return fmt.Errorf("load tools: %w", err)
			}
			defer catalog.Close()
			for _, decl := range catalog.Declarations() {
				fmt.Fprintf(cmd.OutOrStdout(), "tool %s\n", decl.Name)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d backends failed health checks", failed, len(registry.Names()))
			}
			return ctx.Err()
		},
	}
}
