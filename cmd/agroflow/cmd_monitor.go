package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agroflow/agroflow/internal/monitor"
	"github.com/agroflow/agroflow/internal/persistence/postgres"
	"github.com/agroflow/agroflow/internal/scheduler"
)

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve /health, /status, and /metrics",
		RunE:  runMonitorServer,
	}
	cmd.Flags().Int("port", 8090, "Listen port")
	cmd.Flags().String("host", "127.0.0.1", "Listen host")
	cmd.Flags().Bool("with-scheduler", false, "Also run the release-calendar scheduler in-process")
	return cmd
}

func runMonitorServer(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")
	withScheduler, _ := cmd.Flags().GetBool("with-scheduler")

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if err := a.connect(); err != nil {
		return err
	}
	defer a.close()

	metrics := monitor.NewMetrics()

	var sched *scheduler.Scheduler
	if withScheduler {
		reg, err := a.registry()
		if err != nil {
			return err
		}
		runner := a.runner()
		sched = scheduler.New(a.cfg.Calendar, func(ctx context.Context, source string, period scheduler.TargetPeriod) error {
			src, ok := reg.Get(source)
			if !ok {
				return nil
			}
			result := runner.Run(ctx, src, periodRequest(period))
			metrics.CollectorRequests.WithLabelValues(source).Inc()
			metrics.RecordsSaved.WithLabelValues(source).Add(float64(result.RecordsSaved))
			metrics.PipelineRuns.WithLabelValues("collector", result.Status).Inc()
			if !result.Success {
				return errRunFailed
			}
			return nil
		})
		go sched.Start(cmd.Context())
		defer sched.Stop()
	}

	serverCfg := monitor.DefaultServerConfig()
	serverCfg.Host = host
	serverCfg.Port = port
	srv := monitor.NewServer(serverCfg, a.db, postgres.NewRunStateRepo(a.db), sched, metrics)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv.Start()
}
