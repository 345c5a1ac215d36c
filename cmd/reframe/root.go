package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/reframe/internal/config"
)

type commandContext struct {
	pipelineFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(pipelineFlag *string) *commandContext {
	return &commandContext{pipelineFlag: pipelineFlag}
}

// ensureConfig loads the environment configuration once per process.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if c.pipelineFlag != nil {
			if path := strings.TrimSpace(*c.pipelineFlag); path != "" {
				if err := os.Setenv("REFRAME_PIPELINE_CONFIG", path); err != nil {
					c.configErr = err
					return
				}
			}
		}
		cfg, err := config.Load()
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		logLevel.Set(cfg.Server.LogLevel)
		c.config = cfg
	})
	return c.config, c.configErr
}

func newRootCommand() *cobra.Command {
	var pipelineFlag string
	ctx := newCommandContext(&pipelineFlag)

	rootCmd := &cobra.Command{
		Use:           "reframe",
		Short:         "Content-aware horizontal to vertical video conversion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
	}

	rootCmd.PersistentFlags().StringVarP(&pipelineFlag, "pipeline-config", "p", "",
		"TOML file with pipeline tunables (overrides REFRAME_PIPELINE_CONFIG)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the build version",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "reframe", version)
			return err
		},
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
