package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/valter-silva-au/teamwork-delegator/internal/core"
	"github.com/valter-silva-au/teamwork-delegator/internal/observability"
	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

const metricsShutdownTimeout = 5 * time.Second

var (
	runOnce        bool
	runDryRun      bool
	runInterval    int
	runMaxTasks    int
	runModel       string
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the tracker and delegate eligible tasks",
	Long: `Poll the configured Teamwork project, claim every task whose description
carries an execute or continue trigger, and launch its workflow detached.

By default twd polls until interrupted. Use --once for a single cycle and
--dry-run to log what would be dispatched without claiming or spawning.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Config == nil {
			return fmt.Errorf("configuration not loaded")
		}
		if NewRunner == nil {
			return fmt.Errorf("runner factory not initialized")
		}

		cfg := *Config
		if err := applyRunFlags(cmd, &cfg); err != nil {
			return err
		}

		runner, err := NewRunner(&cfg, runDryRun)
		if err != nil {
			return err
		}
		if runner.Close != nil {
			defer func() { _ = runner.Close() }()
		}

		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
		defer stop()

		if runOnce {
			result := runner.Scheduler.RunOnce(ctx)
			printCycleResult(cmd.OutOrStdout(), result)
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		if cfg.Metrics.Addr != "" && runner.Gatherer != nil {
			g.Go(func() error {
				return serveMetrics(gctx, cfg.Metrics.Addr, runner.Gatherer)
			})
		}
		g.Go(func() error {
			return runner.Scheduler.Run(gctx)
		})
		return g.Wait()
	},
}

// applyRunFlags copies the flags the user set over cfg.
func applyRunFlags(cmd *cobra.Command, cfg *models.Config) error {
	flags := cmd.Flags()
	if flags.Changed("interval") {
		if runInterval < 1 {
			return core.NewConfigurationError(fmt.Errorf("--interval must be at least 1 second, got %d", runInterval))
		}
		cfg.Polling.IntervalSeconds = runInterval
	}
	if flags.Changed("max-tasks") {
		if runMaxTasks < 1 {
			return core.NewConfigurationError(fmt.Errorf("--max-tasks must be at least 1, got %d", runMaxTasks))
		}
		cfg.Polling.MaxConcurrentTasks = runMaxTasks
	}
	if flags.Changed("model") {
		if !models.ModelTier(runModel).Valid() {
			return core.NewConfigurationError(fmt.Errorf("--model must be opus or sonnet, got %q", runModel))
		}
		cfg.Routing.Model = runModel
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = runMetricsAddr
	}
	return nil
}

// serveMetrics serves /metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler(g))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving metrics on %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down metrics server: %w", err)
		}
		return nil
	}
}

func printCycleResult(w io.Writer, r *core.CycleResult) {
	fmt.Fprintf(w, "Cycle complete: fetched %d, eligible %d, delegated %d, failed %d",
		r.Fetched, r.Eligible, r.Delegated, r.Failed)
	if r.Deferred > 0 {
		fmt.Fprintf(w, ", deferred %d", r.Deferred)
	}
	if r.DryRun > 0 {
		fmt.Fprintf(w, ", dry run %d", r.DryRun)
	}
	fmt.Fprintln(w)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single poll cycle and exit")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Log dispatch decisions without claiming or spawning")
	runCmd.Flags().IntVar(&runInterval, "interval", 0, "Seconds between poll cycles (overrides polling.interval)")
	runCmd.Flags().IntVar(&runMaxTasks, "max-tasks", 0, "Tasks delegated per cycle (overrides polling.max_concurrent_tasks)")
	runCmd.Flags().StringVar(&runModel, "model", "", "Force the model tier for every task (opus or sonnet)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.AddCommand(runCmd)
}
