package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/paths"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/vault"
)

type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "desk",
		Short:         "Run and supervise a local coding-agent session",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv(config.FileEnv), "YAML config file")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "also log to stderr")

	root.AddCommand(newRunCmd(g), newSecretsCmd(g), newVersionCmd(g))
	return root
}

// runtime bundles what every command needs: config, data layout, the file
// logger and the vault bridge.
type runtime struct {
	cfg     *config.Config
	layout  paths.Layout
	logger  *logging.Logger
	metrics *monitoring.Metrics
	bridge  *vault.Bridge
}

func (g *globalFlags) open(stderr io.Writer) (*runtime, error) {
	cfg, err := config.LoadFile(g.configPath)
	if err != nil {
		return nil, err
	}
	layout := paths.New(cfg.Backend.DataDir)
	if err := layout.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare data directory: %w", err)
	}

	logCfg := logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development}
	if g.verbose {
		logCfg.OutputPaths = []string{"stderr"}
	}
	logger, err := logging.NewFiles(logCfg, layout.LogDir())
	if err != nil {
		return nil, err
	}

	metrics := monitoring.NewMetrics()
	cipher := vault.NewKeyfileCipher(layout.Key(), cfg.Vault.Disabled, logger.Logger)
	if !cipher.Available() {
		fmt.Fprintf(stderr, "warning: secure storage unavailable: %s\n", cipher.Reason())
	}
	bridge := vault.NewBridge(layout.SecureBlob(), cipher, logger.Logger, metrics)

	return &runtime{cfg: cfg, layout: layout, logger: logger, metrics: metrics, bridge: bridge}, nil
}

func (r *runtime) close() {
	_ = r.logger.Close()
}
