package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ctrliq/keynotify/internal/pkg/metrics"
	"github.com/ctrliq/keynotify/pkg/hkpserver"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func workerCmd() *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the task workers and the background services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			if err := a.pool.Start(context.Background()); err != nil {
				return fmt.Errorf("while starting task workers: %s", err)
			}

			go func() {
				if err := metrics.Serve(ctx, a.cfg.MetricsAddress); err != nil {
					logrus.Errorf("While serving metrics: %s", err)
				}
			}()
			if a.cfg.Directory.Addr != "" {
				dcfg := a.cfg.Directory
				dcfg.DB = a.db
				dcfg.CustomHandler = metrics.LogRequestHandler
				go func() {
					if err := hkpserver.Start(ctx, dcfg); err != nil {
						logrus.Errorf("While serving key directory: %s", err)
					}
				}()
			}
			if !noWatch {
				go a.watcher.Run(ctx)
			}

			logrus.WithField("workers", a.cfg.Queue.Workers).Info("Worker started")
			<-ctx.Done()

			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()

			if err := a.pool.Shutdown(sctx); err != nil {
				logrus.Warnf("Pending tasks kept for next run: %s", err)
			}
			logrus.Info("Worker stopped")

			return nil
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-keywatch", false, "Disable the periodic key validation")

	return cmd
}
