package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"scribed/internal/bootstrap"
)

func (c *cli) workerCmd() *cobra.Command {
	var slots int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume transcription jobs from the asynq queue",
		Long: "Each slot registers as its own worker with the resource coordinator\n" +
			"and runs one job at a time, like a separate worker process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if slots <= 0 {
				slots = c.cfg.MaxWorkers
			}
			return c.runWorkers(cmd.Context(), slots)
		},
	}
	cmd.Flags().IntVarP(&slots, "workers", "n", 0, "Worker slots in this process (defaults to max_workers)")
	return cmd
}

func (c *cli) runWorkers(parent context.Context, slots int) error {
	if c.cfg.QueueBackend == "memory" {
		return fmt.Errorf("worker needs the asynq queue backend; the memory queue is consumed by serve")
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, slots)
	for i := 0; i < slots; i++ {
		l := c.log.With().Int("slot", i).Logger()
		app, err := bootstrap.New(ctx, bootstrap.Options{Config: c.cfg, Logger: &l})
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(i int, app *bootstrap.App) {
			defer wg.Done()
			defer app.Close()
			if err := app.RunWorker(ctx); err != nil {
				errs[i] = fmt.Errorf("slot %d: %w", i, err)
				cancel()
			}
		}(i, app)
	}
	wg.Wait()
	return errors.Join(errs...)
}
