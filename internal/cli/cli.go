// ============================================================================
// geo-sampler CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for the control surface and the run loop
//
// Command Structure:
//   geo-sampler                    # Root command
//   ├── start                      # Build a new run and (by default) run it
//   │   ├── --subjects FILE        # One subject id per line
//   │   ├── --locations FILE       # One location code per line
//   │   ├── --seller, --delay, --mode, --max-retries
//   │   └── --no-run               # Persist the run state only
//   ├── run                        # Resume the active run
//   ├── stop                       # Request a stop
//   ├── status                     # Phase, progress, settings
//   ├── results [-n N]             # Most recent results, newest first
//   ├── export [-o FILE]           # Write all results as CSV
//   ├── clear                      # Delete all results
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// Process model:
//   Every command opens the store, does its work and exits. The run loop
//   (start/run) is the only long-lived command; stop from another terminal
//   is observed at the next iteration boundary.
//
// Signal Handling:
//   start/run cancel the loop on SIGINT/SIGTERM. The run state keeps
//   running=true, so `geo-sampler run` resumes at the persisted idx.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/geo-sampler/internal/controller"
	"github.com/ChuLiYu/geo-sampler/internal/export"
	"github.com/ChuLiYu/geo-sampler/internal/jobmanager"
	"github.com/ChuLiYu/geo-sampler/internal/metrics"
	"github.com/ChuLiYu/geo-sampler/internal/server"
	"github.com/ChuLiYu/geo-sampler/internal/session"
	"github.com/ChuLiYu/geo-sampler/internal/store"
	"github.com/ChuLiYu/geo-sampler/internal/worker"
	"github.com/ChuLiYu/geo-sampler/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// logger returns the current default; setupLogging may replace it after init
func logger() *slog.Logger { return slog.Default() }

var configFile string

// BuildCLI builds the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "geo-sampler",
		Short: "geo-sampler: location-dependent product offer sampler",
		Long: `geo-sampler visits every (product, location) pair in a fixed queue
through one browser session, records the featured seller per pair and
resumes exactly where it left off after a crash or restart.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildStartCommand())
	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStopCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildResultsCommand())
	rootCmd.AddCommand(buildExportCommand())
	rootCmd.AddCommand(buildClearCommand())

	return rootCmd
}

// ============================================================================
// Wiring
// ============================================================================

// app the objects one command needs
type app struct {
	cfg     *Config
	store   store.Store
	ctrl    *controller.Controller
	chrome  *session.Chrome
	metrics *metrics.Collector
	health  *server.Health
}

// openApp loads the config and opens the store; withLoop also wires the
// browser, the executor and the observability servers
func openApp(withLoop bool, errOut io.Writer) (*app, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(errOut, cfg.Log.Level)

	st, err := store.Open(cfg.storeOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{cfg: cfg, store: st}
	opts := controller.Options{Store: st, Config: cfg.controllerConfig()}

	if withLoop {
		a.metrics = metrics.NewCollector(prometheus.NewRegistry())
		a.chrome = session.NewChrome(cfg.chromeOptions())

		sess := session.NewController(a.chrome, st, cfg.sessionConfig())
		opts.Session = sess
		opts.Executor = worker.NewExecutor(sess, worker.Config{
			BaseURL:  cfg.Site.BaseURL,
			HomeURL:  cfg.Site.HomeURL,
			Observer: a.metrics,
		})
		opts.Metrics = a.metrics

		if cfg.Health.Enabled {
			a.health = server.NewHealth()
			opts.Health = a.health
		}
	}

	a.ctrl = controller.NewController(opts)
	return a, nil
}

func (a *app) Close() {
	if a.chrome != nil {
		if err := a.chrome.Close(); err != nil {
			logger().Warn("Failed to close browser", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		logger().Warn("Failed to close store", "error", err)
	}
}

// runLoop runs the loop until it finishes or a signal arrives
func (a *app) runLoop(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Metrics.Enabled {
		go func() {
			if err := a.metrics.Serve(ctx, a.cfg.Metrics.Port); err != nil {
				logger().Error("Metrics server error", "error", err)
			}
		}()
	}
	if a.health != nil {
		go func() {
			if err := a.health.Serve(ctx, a.cfg.Health.Port); err != nil {
				logger().Error("Health server error", "error", err)
			}
		}()
	}

	err := a.ctrl.Run(ctx)
	if errors.Is(err, context.Canceled) && parent.Err() == nil {
		logger().Info("Received shutdown signal, run can be resumed with 'geo-sampler run'")
		return nil
	}
	return err
}

// ============================================================================
// start
// ============================================================================

func buildStartCommand() *cobra.Command {
	var (
		subjectsFile  string
		locationsFile string
		seller        string
		delay         int
		mode          string
		maxRetries    int
		noRun         bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new run from subject and location lists",
		Long: `Parse the subject and location files, build the job queue and persist a
fresh run state. Unless --no-run is given the run loop starts right away.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			subjects, err := readList(subjectsFile)
			if err != nil {
				return err
			}
			locations, err := readList(locationsFile)
			if err != nil {
				return err
			}

			a, err := openApp(!noRun, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			p := jobmanager.StartParams{
				Subjects:     jobmanager.ParseSubjects(subjects),
				Locations:    jobmanager.ParseLocations(locations),
				SellerName:   a.cfg.Run.SellerName,
				DelaySeconds: a.cfg.Run.DelaySeconds,
				MaxRetries:   a.cfg.Run.MaxRetries,
			}
			if cmd.Flags().Changed("seller") {
				p.SellerName = seller
			}
			if cmd.Flags().Changed("delay") {
				p.DelaySeconds = delay
			}
			if cmd.Flags().Changed("max-retries") {
				p.MaxRetries = maxRetries
			}
			if !cmd.Flags().Changed("mode") {
				mode = a.cfg.Run.Ordering
			}
			if p.Ordering, err = types.ParseOrdering(mode); err != nil {
				return err
			}

			rs, err := a.ctrl.Start(cmd.Context(), p)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Started run %s: %d jobs (%d subjects x %d locations), %d location switches\n",
				rs.RunID, len(rs.Queue), len(p.Subjects), len(p.Locations),
				jobmanager.CountLocationSwitches(rs.Queue))
			fmt.Fprintf(out, "Ordering: %s, delay: %ds, max retries: %d\n", rs.Ordering, rs.DelaySeconds, rs.MaxRetries)

			if noRun {
				fmt.Fprintln(out, "Run state saved; start the loop with 'geo-sampler run'")
				return nil
			}
			return a.runLoop(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&subjectsFile, "subjects", "", "file with one subject id per line ('-' for stdin)")
	cmd.Flags().StringVar(&locationsFile, "locations", "", "file with one location code per line")
	cmd.Flags().StringVar(&seller, "seller", "", "own seller name (default from config run.seller_name)")
	cmd.Flags().IntVar(&delay, "delay", 0, "seconds between jobs (clamped to run.min_delay)")
	cmd.Flags().StringVar(&mode, "mode", string(types.LocationMajor), "queue ordering: location-major or subject-major")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retries per job after the first attempt")
	cmd.Flags().BoolVar(&noRun, "no-run", false, "persist the run state without starting the loop")
	cmd.MarkFlagRequired("subjects")
	cmd.MarkFlagRequired("locations")

	return cmd
}

func readList(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// ============================================================================
// run / stop
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Resume the active run",
		Long:  "Attach to the persisted session (or create one) and continue the queue at the persisted index",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(true, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.runLoop(cmd.Context())
			if errors.Is(err, store.ErrNoRun) {
				fmt.Fprintln(cmd.OutOrStdout(), "No run to resume; use 'geo-sampler start'")
				return nil
			}
			return err
		},
	}
}

func buildStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Request the running loop to stop",
		Long:  "Set the stop flag; the loop finishes its current job and exits before the next one",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			rs, err := a.ctrl.Stop(cmd.Context())
			if errors.Is(err, store.ErrNoRun) {
				fmt.Fprintln(cmd.OutOrStdout(), "No run to stop")
				return nil
			}
			if errors.Is(err, controller.ErrRunNotActive) {
				fmt.Fprintf(cmd.OutOrStdout(), "Nothing to stop: %v\n", err)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for run %s at %d/%d\n", rs.RunID, rs.Idx, len(rs.Queue))
			return nil
		},
	}
}

// ============================================================================
// status / results
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show run status",
		Long:  "Display the run phase, progress and settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.ctrl.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), a.cfg, st)
			return nil
		},
	}
}

func printStatus(w io.Writer, cfg *Config, st controller.Status) {
	fmt.Fprintln(w, "geo-sampler status")
	fmt.Fprintln(w, "==================")
	fmt.Fprintf(w, "  State:     %s\n", st.Phase)

	if rs := st.RunState; rs != nil {
		fmt.Fprintf(w, "  Run:       %s\n", rs.RunID)
		fmt.Fprintf(w, "  Progress:  %d/%d\n", rs.Idx, len(rs.Queue))
		fmt.Fprintf(w, "  Ordering:  %s\n", rs.Ordering)
		fmt.Fprintf(w, "  Delay:     %ds\n", rs.DelaySeconds)
		fmt.Fprintf(w, "  Retries:   %d\n", rs.MaxRetries)
		fmt.Fprintf(w, "  Seller:    %s\n", rs.SellerName)
		handle := "-"
		if rs.SessionHandle != nil {
			handle = string(*rs.SessionHandle)
		}
		fmt.Fprintf(w, "  Session:   %s\n", handle)
		if !rs.Done() && rs.Idx < len(rs.Queue) {
			next := rs.Queue[rs.Idx]
			fmt.Fprintf(w, "  Next job:  %s @ %s\n", next.Subject, next.Location)
		}
		fmt.Fprintf(w, "  Started:   %s\n", rs.StartedAt.Format(time.RFC3339))
		if rs.FinishedAt != nil {
			fmt.Fprintf(w, "  Finished:  %s\n", rs.FinishedAt.Format(time.RFC3339))
		}
	}

	fmt.Fprintf(w, "  Results:   %d\n", st.Results)
	fmt.Fprintf(w, "  Store:     %s\n", cfg.Store.Backend)
}

func buildResultsCommand() *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "results",
		Short: "Show the most recent results",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.ctrl.Recent(cmd.Context(), n)
			if err != nil {
				return err
			}
			printResults(cmd.OutOrStdout(), results)
			return nil
		},
	}

	cmd.Flags().IntVarP(&n, "number", "n", 20, "number of results to show (0 for all)")
	return cmd
}

func printResults(w io.Writer, results []types.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results")
		return
	}
	for _, r := range results {
		own := ""
		if r.IsOwnSeller {
			own = " (own)"
		}
		seller := r.FeaturedSeller
		if seller == "" {
			seller = "-"
		}
		fmt.Fprintf(w, "%s  %-10s  %-5s  %-19s  %s%s",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			r.Subject, r.Location, r.Status, seller, own)
		if r.RetryCount > 0 {
			fmt.Fprintf(w, "  retries=%d", r.RetryCount)
		}
		if r.Notes != "" {
			fmt.Fprintf(w, "  [%s]", r.Notes)
		}
		fmt.Fprintln(w)
	}
}

// ============================================================================
// export / clear
// ============================================================================

func buildExportCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all results as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if output == "-" {
				_, err := a.ctrl.Export(cmd.Context(), cmd.OutOrStdout())
				return err
			}
			if output == "" {
				output = export.DefaultFilename(time.Now())
			}
			if dir := filepath.Dir(output); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create %s: %w", dir, err)
				}
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			n, err := a.ctrl.Export(cmd.Context(), f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d results to %s\n", n, output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file ('-' for stdout, default geo-sampler_<date>.csv)")
	return cmd
}

func buildClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all results",
		Long:  "Delete all stored results; refused while a run is active",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ctrl.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Results cleared")
			return nil
		},
	}
}
