package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bgricker/conveyor/internal/config"
	"github.com/bgricker/conveyor/internal/output"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipeline stages and actions",
		RunE:  runList,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, root, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pl, err := loadPipeline(root, cfg)
	if err != nil {
		return err
	}

	filtered, err := applyFilters(pl, cfg)
	if err != nil {
		return err
	}
	filtered.Warnings = slices.Concat(filtered.Warnings, conditionWarnings(filtered))

	switch strings.ToLower(cfg.Format) {
	case config.FormatPretty:
		return output.NewPretty(cmd.OutOrStdout()).RenderList(filtered)
	case config.FormatJSON:
		return output.NewJSON(cmd.OutOrStdout()).RenderList(filtered)
	default:
		return fmt.Errorf("unsupported format %q", cfg.Format)
	}
}
