package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/supervisor"
)

func newVersionCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the installed backend version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(g.configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			v, err := supervisor.CheckBackend(ctx, cfg.Backend.Binary)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cfg.Backend.Binary, v)
			return nil
		},
	}
}
