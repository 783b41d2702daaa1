package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"bindery/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigShowCommand(ctx))
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(path)
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				target = defaultPath
			}
			if err := config.CreateSample(target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", target)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Destination path (default: standard config location)")
	return cmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "data_dir:     %s\n", cfg.Paths.DataDir)
			fmt.Fprintf(out, "download_dir: %s\n", cfg.Paths.DownloadDir)
			fmt.Fprintf(out, "log_dir:      %s\n", cfg.Paths.LogDir)
			fmt.Fprintf(out, "douban user:  %s\n", cfg.Douban.UserID)
			fmt.Fprintf(out, "catalog:      %s\n", cfg.ZLibrary.BaseURL)
			fmt.Fprintf(out, "calibre:      %s (library %s)\n", cfg.Calibre.URL, cfg.Calibre.Library)
			fmt.Fprintf(out, "ntfy topic:   %s\n", cfg.Notifications.NtfyTopic)
			fmt.Fprintf(out, "workers:      %d\n", cfg.Pipeline.MaxWorkers)
			fmt.Fprintf(out, "min score:    %.2f\n", cfg.Search.MinMatchScore)
			return nil
		},
	}
}
