// Package cmd implements the ddsctl CLI commands using the cobra
// framework: persistent flags on the root, subcommands registered from
// their own files' init functions.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	configFile string
	watchCfg   bool
)

var rootCmd = &cobra.Command{
	Use:   "ddsctl",
	Short: "ddsctl operates a ddscore receive-path instance",
	Long: `ddsctl is the single ops tool for a ddscore process: it brings up
the entity registry and introspection surface, drives the receive
pipeline from a pcap capture for demos and soak tests, and can query a
running instance's entity tree.`,
	Version: "0.1.0",
}

// Execute runs the selected subcommand. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (yaml/json/toml)")
	rootCmd.PersistentFlags().BoolVarP(&watchCfg, "watch", "w", false, "hot-reload config on change")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(inspectCmd)
}
