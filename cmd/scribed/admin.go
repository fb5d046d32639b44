package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"scribed/internal/bootstrap"
	"scribed/internal/coord"
	"scribed/internal/resource"
	"scribed/pkg/types"
)

func (c *cli) resourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "Print pool limits, usage and registered workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			co, done, err := c.openCoordinator(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			st, err := co.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func (c *cli) reclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Release leases held by workers whose heartbeat expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			co, done, err := c.openCoordinator(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			n, err := co.ReclaimStale(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), types.CleanupResponse{Reclaimed: n})
		},
	}
}

func (c *cli) modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Print the model catalog in fallback order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := bootstrap.LoadCatalog(c.cfg)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), types.ModelsResponse{Models: cat.List()})
		},
	}
}

// openCoordinator connects a coordinator that never registers itself, for
// one-shot admin commands.
func (c *cli) openCoordinator(ctx context.Context) (*resource.Coordinator, func(), error) {
	cat, err := bootstrap.LoadCatalog(c.cfg)
	if err != nil {
		return nil, nil, err
	}
	rdb, err := coord.Open(ctx, c.cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	co, err := resource.New(resource.Config{
		Client:           rdb,
		Keys:             coord.Keys{Prefix: c.cfg.KeyPrefix},
		Catalog:          cat,
		MaxVRAMMB:        c.cfg.MaxVRAMMB,
		MaxRAMMB:         c.cfg.MaxRAMMB,
		AuxVRAMMB:        c.cfg.AuxVRAMMB,
		HostMemThreshold: c.cfg.HostMemThresholdPct,
		LivenessWindow:   c.cfg.LivenessWindow(),
		Logger:           &c.log,
	})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return co, func() { _ = rdb.Close() }, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
