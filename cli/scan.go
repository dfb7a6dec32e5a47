package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maastricht-university/soundscan/clients"
	"github.com/maastricht-university/soundscan/config"
	"github.com/maastricht-university/soundscan/orchestrator"
	"github.com/maastricht-university/soundscan/pool"
	"github.com/maastricht-university/soundscan/progress"
	"github.com/maastricht-university/soundscan/worker"
)

// scanFlags maps config keys to the flags overriding them.
var scanFlags = map[string]string{
	"model.url":                     "model-url",
	"scan.recursive":                "recursive",
	"scan.max_workers":              "workers",
	"scan.batch_size":               "batch-size",
	"scan.in_process":               "in-process",
	"scan.nice":                     "nice",
	"identification.mode":           "mode",
	"identification.classes":        "classes",
	"identification.threshold":      "threshold",
	"identification.threshold_mode": "threshold-mode",
	"identification.top_k":          "top-k",
	"identification.timespan":       "timespan",
	"identification.span_all":       "span-all",
	"identification.noise_floor":    "noise-floor",
	"output.dir":                    "output",
	"output.format":                 "format",
	"cache.dir":                     "cache-dir",
	"metrics.addr":                  "metrics-addr",
	"log.level":                     "log-level",
	"log.format":                    "log-format",
}

func newScanCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [paths...]",
		Short: "Scan audio files and directories for the selected sound classes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				v.Set("scan.paths", args)
			}
			cfg, err := config.Load(v, *cfgFile)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runScan(ctx, stop, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.String("model-url", "", "model service base URL")
	f.Bool("recursive", true, "descend into sub-directories")
	f.Int("workers", 0, "number of worker processes")
	f.Int("batch-size", 0, "files per batch (power of two)")
	f.Bool("in-process", false, "run workers as goroutines instead of processes")
	f.Int("nice", 0, "scheduling priority of worker processes")
	f.String("mode", "", "identification mode: confidence or ranked")
	f.IntSlice("classes", nil, "class ids to look for")
	f.Float64("threshold", 0, "confidence threshold")
	f.String("threshold-mode", "", "min keeps scores at or above the threshold, max keeps scores below it")
	f.Int("top-k", 0, "classes kept per interval in ranked mode")
	f.Int("timespan", 0, "interval width in seconds, 0 for none")
	f.Bool("span-all", false, "rank over the whole file (ranked mode, timespan 0)")
	f.Float64("noise-floor", 0, "skip blocks whose peak amplitude stays below this")
	f.StringP("output", "o", "", "output directory")
	f.String("format", "", "output format: json or yaml")
	f.String("cache-dir", "", "result cache directory")
	f.String("metrics-addr", "", "serve prometheus metrics on this address")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("log-format", "", "text or json")
	for key, name := range scanFlags {
		if err := v.BindPFlag(key, f.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}

// runScan performs one scan. cancel stops it the same way a signal does.
func runScan(ctx context.Context, cancel func(), cfg *config.Root, stdout, stderr io.Writer) error {
	log := logrus.WithField("component", "scan")

	req, err := orchestrator.NewScanRequest(cfg)
	if err != nil {
		return err
	}

	var cache *orchestrator.Cache
	if cfg.Cache.Dir != "" {
		if cache, err = orchestrator.OpenCache(cfg.Cache.Dir); err != nil {
			return err
		}
		defer cache.Close()
	}

	var metrics *orchestrator.Metrics
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		metrics = orchestrator.NewMetrics(reg)
		srv := serveMetrics(cfg.Metrics.Addr, reg, log)
		defer srv.Close()
	}

	out := &orchestrator.FileOutput{Root: cfg.Output.Dir, Format: cfg.Output.Format}
	events := progress.NewChannel()
	sup := orchestrator.NewSupervisor(req, orchestrator.Deps{
		OpenModel: modelOpener(cfg.Model),
		StartPool: poolStarter(cfg.Log.Level),
		Output:    out,
		Cache:     cache,
		Metrics:   metrics,
	}, events)

	sinkDone := make(chan error, 1)
	if isTerminal(stderr) {
		// logrus would draw over the TUI
		restore, err := logToFile(cfg.Output.Dir)
		if err != nil {
			return err
		}
		defer restore()
		go func() {
			sinkDone <- progress.RunTUI(fmt.Sprintf("soundscan: %d files", len(req.Files)), events.Events(), stderr, cancel)
		}()
	} else {
		go func() {
			progress.Pump(events.Events(), progress.NewLogSink(log))
			sinkDone <- nil
		}()
	}

	report, err := sup.Run(ctx)
	if sinkErr := <-sinkDone; sinkErr != nil {
		log.WithError(sinkErr).Warn("progress display failed")
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%d files with results, %d errors", len(report.Results), len(report.Errors))
	if report.Cancelled {
		fmt.Fprintf(stdout, ", %d skipped (cancelled)", len(report.Skipped))
	}
	fmt.Fprintf(stdout, "\nResults written to %s\n", out.Dir)
	return nil
}

func modelOpener(cfg config.Model) func(context.Context) (clients.ModelInfo, error) {
	h := clients.NewHTTP(cfg.Timeout)
	return func(ctx context.Context) (clients.ModelInfo, error) {
		m, err := h.OpenModel(ctx, cfg.URL)
		if err != nil {
			return clients.ModelInfo{}, err
		}
		return m.Info, nil
	}
}

// poolStarter starts workers in-process or as copies of this executable
// running the hidden worker command.
func poolStarter(logLevel string) func(context.Context, *orchestrator.ScanRequest) (orchestrator.Pool, error) {
	return func(ctx context.Context, req *orchestrator.ScanRequest) (orchestrator.Pool, error) {
		var (
			p   *pool.Pool
			err error
		)
		if req.InProcess {
			p, err = pool.StartLocal(ctx, req.MaxWorkers, req.Worker, worker.DefaultDeps())
		} else {
			var cmd pool.Command
			if cmd, err = workerCommand(logLevel); err != nil {
				return nil, err
			}
			p, err = pool.StartProcesses(req.MaxWorkers, cmd, req.Worker)
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// workerCommand re-runs this executable as a pool worker. The child
// inherits the environment, so Env carries nothing extra.
func workerCommand(logLevel string) (pool.Command, error) {
	exe, err := os.Executable()
	if err != nil {
		return pool.Command{}, fmt.Errorf("locate executable: %w", err)
	}
	return pool.Command{Path: exe, Args: []string{"worker", "--log-level", logLevel}}, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	log.WithField("addr", addr).Info("serving metrics")
	return srv
}

// logToFile sends logrus output to soundscan.log under dir until restore
// is called.
func logToFile(dir string) (restore func(), err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "soundscan.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	prev := logrus.StandardLogger().Out
	logrus.SetOutput(f)
	return func() {
		logrus.SetOutput(prev)
		f.Close()
	}, nil
}
