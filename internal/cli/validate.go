package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/vuload/internal/config"
	"github.com/wesleyorama2/vuload/internal/engine"
	"github.com/wesleyorama2/vuload/internal/scheduler"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Check a test configuration without running it",
		Args:  cobra.MaximumNArgs(1),
		RunE:  validateConfig,
	}
	cmd.Flags().StringP("config", "c", "", "Path to a YAML or JSON test configuration")
	return cmd
}

func validateConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return errors.New("a configuration file is required")
	}

	stdout := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()

	cfg, err := config.LoadConfig(path)
	if err != nil {
		printValidationErrors(stderr, err)
		return &ExitError{Code: engine.ExitError}
	}
	if err := cfg.Validate(); err != nil {
		printValidationErrors(stderr, err)
		return &ExitError{Code: engine.ExitError}
	}
	config.ApplyDefaults(cfg)

	thresholds, err := cfg.ThresholdList()
	if err != nil {
		printValidationErrors(stderr, err)
		return &ExitError{Code: engine.ExitError}
	}
	stages := cfg.SchedulerStages()

	fmt.Fprintf(stdout, "%s is valid\n", path)
	fmt.Fprintf(stdout, "  Name:       %s\n", cfg.Name)
	fmt.Fprintf(stdout, "  Target:     %s %s (%s)\n", cfg.Target.Method, cfg.Target.URL, cfg.Target.Client)
	fmt.Fprintf(stdout, "  Stages:     %d (%s, %s, max %d VUs)\n",
		len(stages), cfg.RampMode, scheduler.TotalDuration(stages), scheduler.MaxTarget(stages))
	fmt.Fprintf(stdout, "  Thresholds: %d\n", len(thresholds))
	for _, t := range thresholds {
		var flags string
		switch {
		case t.AbortOnFail:
			flags = " [abortOnFail]"
		case !t.Required:
			flags = " [advisory]"
		}
		fmt.Fprintf(stdout, "    - %s%s\n", t, flags)
	}
	return nil
}
