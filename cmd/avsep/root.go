// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"

	"github.com/gomlx/avsep/internal/config"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// commandContext is shared by all commands: it loads the configuration file lazily.
type commandContext struct {
	configFlag string
	cfg        *config.Config
}

// loadConfig returns the configuration of --config (or the defaults), before any validation.
func (c *commandContext) loadConfig() (*config.Config, error) {
	if c.cfg == nil {
		cfg, err := config.Load(c.configFlag)
		if err != nil {
			return nil, err
		}
		c.cfg = cfg
	}
	return c.cfg, nil
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{}
	rootCmd := &cobra.Command{
		Use:           "avsep",
		Short:         "Audio-visual speech separation training",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cc.configFlag, "config", "c", "", "Configuration file (TOML)")
	must.M(rootCmd.MarkPersistentFlagFilename("config", "toml"))

	// Logging flags (-v, --logtostderr, ...).
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(
		newTrainCommand(cc),
		newPlanCommand(),
		newCheckpointsCommand(cc),
		newHistoryCommand(cc),
		newConfigCommand(cc),
	)
	return rootCmd
}
