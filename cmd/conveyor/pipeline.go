package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bgricker/conveyor/internal/condition"
	"github.com/bgricker/conveyor/internal/config"
	"github.com/bgricker/conveyor/internal/discovery"
	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/pipeline/filter"
)

func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	root, err := os.Getwd()
	if err != nil {
		return config.Config{}, "", fmt.Errorf("determine working directory: %w", err)
	}

	var cfg config.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		cfg, err = config.LoadFile(path, false)
	} else {
		cfg, err = config.Load(root)
	}
	if err != nil {
		return config.Config{}, "", err
	}

	flags, err := gatherFlags(cmd)
	if err != nil {
		return config.Config{}, "", err
	}
	if err := config.ApplyFlags(&cfg, flags); err != nil {
		return config.Config{}, "", err
	}

	return cfg, root, nil
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadPipeline(root string, cfg config.Config) (*pipeline.Pipeline, error) {
	path, err := discovery.Pipeline(root, cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	return pipeline.NewParser(root).Parse(path)
}

var errNoStages = errors.New("no stages match the stage filters")

// applyFilters prunes leaves by --only-stage/--skip-stage. The returned
// pipeline shares unchanged subtrees with pl.
func applyFilters(pl *pipeline.Pipeline, cfg config.Config) (*pipeline.Pipeline, error) {
	only, err := filter.Compile(cfg.OnlyStages)
	if err != nil {
		return nil, fmt.Errorf("parse --only-stage: %w", err)
	}
	skip, err := filter.Compile(cfg.SkipStages)
	if err != nil {
		return nil, fmt.Errorf("parse --skip-stage: %w", err)
	}
	root := filter.Prune(pl.Root, only, skip)
	if root == nil {
		return nil, errNoStages
	}
	out := *pl
	out.Root = root
	return &out, nil
}

// conditionWarnings reports conditions that do not compile. They are not
// rejected at load time; at run time the stage fails.
func conditionWarnings(pl *pipeline.Pipeline) []pipeline.Warning {
	eval := condition.NewEvaluator()
	var warnings []pipeline.Warning
	pl.Root.Walk(func(st *pipeline.Stage, _ int) {
		if st.When == "" {
			return
		}
		if err := eval.Check(st.When); err != nil {
			warnings = append(warnings, pipeline.Warning{Stage: st.ID, Message: err.Error()})
		}
	})
	return warnings
}
