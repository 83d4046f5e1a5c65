package main

import (
	"github.com/spf13/cobra"

	"github.com/kbukum/flowgraph/config"
	"github.com/kbukum/flowgraph/logger"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configFile string
	logLevel   string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "flowctl",
		Short: "Run DAG workflows with checkpointed, resumable execution",
		Long: `flowctl drives the flowgraph engine from YAML DAG definitions.

Examples:
  flowctl validate pipeline.yml
  flowctl plan pipeline.yml
  flowctl run pipeline.yml --checkpoint-db state.db
  flowctl resume pipeline.yml --checkpoint-db state.db --execution 3f2c...`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.configFile, "config", "", "engine config file (default: flowctl config search path)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newValidateCmd(g),
		newPlanCmd(g),
		newRunCmd(g),
		newResumeCmd(g),
		newVersionCmd(g),
	)
	return root
}

// loadConfig reads the engine configuration with the flowctl overrides applied.
func (g *globalOptions) loadConfig() (*config.EngineConfig, error) {
	cfg := &config.EngineConfig{}
	var opts []config.LoaderOption
	if g.configFile != "" {
		opts = append(opts, config.WithConfigFile(g.configFile))
	}
	if err := config.LoadConfig("flowctl", cfg, opts...); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "flowctl"
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	return cfg, nil
}

func (g *globalOptions) logger(cfg *config.EngineConfig) *logger.Logger {
	cfg.Logging.ApplyDefaults()
	log := logger.New(&cfg.Logging, cfg.Name)
	logger.SetDefault(log)
	return log
}
