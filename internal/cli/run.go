package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/vuload/internal/config"
	"github.com/wesleyorama2/vuload/internal/engine"
	"github.com/wesleyorama2/vuload/internal/logging"
	"github.com/wesleyorama2/vuload/internal/metrics"
	"github.com/wesleyorama2/vuload/internal/output"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test",
		Long: `Ramp a population of virtual users against a target URL and report
whether the configured thresholds held.

Config file mode:
  vuload run --config fitness.yaml

Quick CLI mode:
  vuload run --url https://api.example.com/health \
    --stages "1m:500,3m:500,1m:0" \
    --threshold "http_req_duration:p(99)<1500"

Exit status is 0 when every required threshold held, 99 when one failed,
105 when an abortOnFail threshold stopped the run and 1 on errors.`,
		Args: cobra.NoArgs,
		RunE: runLoadTest,
	}

	f := cmd.Flags()
	f.StringP("config", "c", "", "Path to a YAML or JSON test configuration")
	f.String("url", "", "Target URL (overrides the config file)")
	f.String("stages", "", `Ramp profile as "duration:target,..." (e.g. "1m:500,3m:500,1m:0")`)
	f.String("think-time", "", `Pause between iterations, constant ("1s") or range ("500ms-1500ms")`)
	f.String("ramp-mode", "", "VU interpolation within a stage: linear or step")
	f.String("client", "", "HTTP client: nethttp or fasthttp")
	f.String("timeout", "", "Per-request timeout (e.g. 10s)")
	f.String("graceful-stop", "", "Time VUs get to finish their iteration when stopped")
	f.StringArray("threshold", nil, `Threshold as "metric:expression", repeatable`)
	f.String("out-json", "", "Write the result document to this file")
	f.String("out-parquet", "", "Write every request outcome to this Parquet file")
	f.String("prometheus", "", "Serve live metrics on this address (e.g. :9090)")
	f.String("format", "text", "Summary format: text or json")
	f.String("log-level", "", "Log level: debug, info, warn or error")
	f.BoolP("quiet", "q", false, "Only print PASSED or FAILED")
	f.Bool("no-color", false, "Disable colored output")

	return cmd
}

// runFlags are the run command's flag values.
type runFlags struct {
	configFile   string
	url          string
	stages       string
	thinkTime    string
	rampMode     string
	client       string
	timeout      string
	gracefulStop string
	thresholds   []string
	outJSON      string
	outParquet   string
	prometheus   string
	format       string
	logLevel     string
	quiet        bool
	noColor      bool
}

func readRunFlags(cmd *cobra.Command) runFlags {
	var rf runFlags
	rf.configFile, _ = cmd.Flags().GetString("config")
	rf.url, _ = cmd.Flags().GetString("url")
	rf.stages, _ = cmd.Flags().GetString("stages")
	rf.thinkTime, _ = cmd.Flags().GetString("think-time")
	rf.rampMode, _ = cmd.Flags().GetString("ramp-mode")
	rf.client, _ = cmd.Flags().GetString("client")
	rf.timeout, _ = cmd.Flags().GetString("timeout")
	rf.gracefulStop, _ = cmd.Flags().GetString("graceful-stop")
	rf.thresholds, _ = cmd.Flags().GetStringArray("threshold")
	rf.outJSON, _ = cmd.Flags().GetString("out-json")
	rf.outParquet, _ = cmd.Flags().GetString("out-parquet")
	rf.prometheus, _ = cmd.Flags().GetString("prometheus")
	rf.format, _ = cmd.Flags().GetString("format")
	rf.logLevel, _ = cmd.Flags().GetString("log-level")
	rf.quiet, _ = cmd.Flags().GetBool("quiet")
	rf.noColor, _ = cmd.Flags().GetBool("no-color")
	return rf
}

func runLoadTest(cmd *cobra.Command, args []string) error {
	rf := readRunFlags(cmd)
	stdout := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()

	format, err := output.ParseFormat(rf.format)
	if err != nil {
		return err
	}

	cfg, err := buildConfig(rf)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		printValidationErrors(stderr, err)
		return &ExitError{Code: engine.ExitError}
	}
	config.ApplyDefaults(cfg)

	schedCfg, err := cfg.SchedulerConfig()
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New(cfg.Log, stderr)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer closeLog()

	console := output.NewConsole(output.ConsoleConfig{
		Writer:  stdout,
		Quiet:   rf.quiet || format == output.FormatJSON,
		NoColor: rf.noColor,
	})

	var sinks []metrics.Sink

	var parquetSink *output.ParquetSink
	if cfg.Outputs.Parquet != "" {
		parquetSink, err = output.NewParquetSink(cfg.Outputs.Parquet, 0, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, parquetSink)
	}

	var exporter *output.PrometheusExporter
	if cfg.Outputs.Prometheus != "" {
		exporter = output.NewPrometheusExporter(cfg.Name, logger)
		if _, err := exporter.Start(cfg.Outputs.Prometheus); err != nil {
			closeParquet(parquetSink, logger)
			return err
		}
		sinks = append(sinks, exporter)
	}

	ctrl, err := engine.New(cfg, engine.Options{
		Logger: logger,
		Sinks:  sinks,
		Progress: func(snap *metrics.Snapshot) {
			if exporter != nil {
				exporter.Observe(snap)
			}
			console.Update(output.StatsFromSnapshot(snap, schedCfg.Stages, schedCfg.Mode))
		},
	})
	if err != nil {
		closeParquet(parquetSink, logger)
		closeExporter(exporter, logger)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console.PrintHeader(cfg.Name, cfg.Target.URL, schedCfg.Stages, schedCfg.Mode)

	result, runErr := ctrl.Run(ctx)

	closeParquet(parquetSink, logger)
	if exporter != nil && result != nil {
		exporter.Observe(result.Metrics)
	}
	closeExporter(exporter, logger)

	if runErr != nil {
		return runErr
	}

	if format == output.FormatJSON {
		if err := output.WriteJSON(stdout, result); err != nil {
			return err
		}
	} else {
		console.PrintSummary(result)
	}

	if cfg.Outputs.JSON != "" {
		if err := output.WriteJSONFile(cfg.Outputs.JSON, result); err != nil {
			return err
		}
		logger.Info("result written", zap.String("path", cfg.Outputs.JSON))
	}

	if code := result.ExitCode(); code != engine.ExitPassed {
		return &ExitError{Code: code}
	}
	return nil
}

// buildConfig loads the config file, if any, and applies flag overrides.
func buildConfig(rf runFlags) (*config.TestConfig, error) {
	var cfg *config.TestConfig
	switch {
	case rf.configFile != "":
		loaded, err := config.LoadConfig(rf.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	case rf.url != "":
		cfg = &config.TestConfig{}
	default:
		return nil, errors.New("either --config or --url is required")
	}

	if rf.url != "" {
		cfg.Target.URL = rf.url
	}

	if rf.stages != "" {
		stages, err := parseStages(rf.stages)
		if err != nil {
			return nil, fmt.Errorf("invalid --stages: %w", err)
		}
		cfg.Stages = stages
	}

	if rf.thinkTime != "" {
		tt, err := parseThinkTime(rf.thinkTime)
		if err != nil {
			return nil, fmt.Errorf("invalid --think-time: %w", err)
		}
		cfg.ThinkTime = tt
	}

	if rf.rampMode != "" {
		cfg.RampMode = rf.rampMode
	}
	if rf.client != "" {
		cfg.Target.Client = rf.client
	}

	if rf.timeout != "" {
		d, err := config.ParseDurationString(rf.timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid --timeout: %w", err)
		}
		cfg.Target.Timeout = config.Duration(d)
	}
	if rf.gracefulStop != "" {
		d, err := config.ParseDurationString(rf.gracefulStop)
		if err != nil {
			return nil, fmt.Errorf("invalid --graceful-stop: %w", err)
		}
		graceful := config.Duration(d)
		cfg.GracefulStop = &graceful
	}

	for _, t := range rf.thresholds {
		metric, expr, err := parseThresholdFlag(t)
		if err != nil {
			return nil, fmt.Errorf("invalid --threshold: %w", err)
		}
		if cfg.Thresholds == nil {
			cfg.Thresholds = make(map[string][]config.ThresholdSpec)
		}
		cfg.Thresholds[metric] = append(cfg.Thresholds[metric], config.ThresholdSpec{Threshold: expr})
	}

	if rf.outJSON != "" {
		cfg.Outputs.JSON = rf.outJSON
	}
	if rf.outParquet != "" {
		cfg.Outputs.Parquet = rf.outParquet
	}
	if rf.prometheus != "" {
		cfg.Outputs.Prometheus = rf.prometheus
	}

	switch {
	case rf.logLevel != "":
		cfg.Log.Level = rf.logLevel
	case cfg.Log.Level == "":
		// Keep the live console readable unless asked otherwise.
		cfg.Log.Level = "warn"
	}

	return cfg, nil
}

// parseStages parses a stages string like "30s:10,2m:10,30s:0".
func parseStages(s string) ([]config.StageConfig, error) {
	var stages []config.StageConfig

	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		idx := strings.LastIndex(part, ":")
		if idx == -1 {
			return nil, fmt.Errorf("stage %d: expected 'duration:target' format", i+1)
		}

		d, err := config.ParseDurationString(part[:idx])
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i+1, err)
		}

		target, err := strconv.Atoi(strings.TrimSpace(part[idx+1:]))
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid target %q", i+1, part[idx+1:])
		}

		stages = append(stages, config.StageConfig{
			Duration: config.Duration(d),
			Target:   target,
		})
	}

	if len(stages) == 0 {
		return nil, errors.New("no stages given")
	}
	return stages, nil
}

// parseThinkTime parses "1s" or a "min-max" range like "500ms-1500ms".
func parseThinkTime(s string) (*config.ThinkTimeConfig, error) {
	minStr, maxStr, isRange := strings.Cut(s, "-")
	if !isRange {
		maxStr = minStr
	}

	lo, err := config.ParseDurationString(strings.TrimSpace(minStr))
	if err != nil {
		return nil, err
	}
	hi, err := config.ParseDurationString(strings.TrimSpace(maxStr))
	if err != nil {
		return nil, err
	}
	if hi < lo {
		return nil, fmt.Errorf("max %s is below min %s", hi, lo)
	}
	return &config.ThinkTimeConfig{Min: config.Duration(lo), Max: config.Duration(hi)}, nil
}

// parseThresholdFlag splits "http_req_duration:p(99)<1500" into metric and
// expression.
func parseThresholdFlag(s string) (string, string, error) {
	metric, expr, ok := strings.Cut(s, ":")
	metric, expr = strings.TrimSpace(metric), strings.TrimSpace(expr)
	if !ok || metric == "" || expr == "" {
		return "", "", fmt.Errorf("%q: expected 'metric:expression' format", s)
	}
	return metric, expr, nil
}

func printValidationErrors(w io.Writer, err error) {
	var verrs *config.ValidationErrors
	if errors.As(err, &verrs) {
		fmt.Fprintln(w, "Invalid configuration:")
		for _, e := range verrs.Errors {
			fmt.Fprintf(w, "  - %s\n", e.Error())
		}
		return
	}
	fmt.Fprintf(w, "Invalid configuration: %v\n", err)
}

func closeParquet(ps *output.ParquetSink, logger *zap.Logger) {
	if ps == nil {
		return
	}
	if err := ps.Close(); err != nil {
		logger.Error("failed to write parquet output", zap.String("path", ps.Path()), zap.Error(err))
		return
	}
	logger.Info("outcomes written", zap.String("path", ps.Path()), zap.Int64("rows", ps.Written()))
}

func closeExporter(pe *output.PrometheusExporter, logger *zap.Logger) {
	if pe == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pe.Close(ctx); err != nil {
		logger.Warn("prometheus server shutdown", zap.Error(err))
	}
}
