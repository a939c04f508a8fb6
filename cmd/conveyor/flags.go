package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bgricker/conveyor/internal/config"
)

var stringFlags = map[string]func(*config.FlagValues) *config.StringFlag{
	"pipeline":     func(v *config.FlagValues) *config.StringFlag { return &v.Pipeline },
	"branch":       func(v *config.FlagValues) *config.StringFlag { return &v.Branch },
	"format":       func(v *config.FlagValues) *config.StringFlag { return &v.Format },
	"log-level":    func(v *config.FlagValues) *config.StringFlag { return &v.LogLevel },
	"provider":     func(v *config.FlagValues) *config.StringFlag { return &v.Provider },
	"image":        func(v *config.FlagValues) *config.StringFlag { return &v.DefaultImage },
	"metrics-file": func(v *config.FlagValues) *config.StringFlag { return &v.MetricsFile },
	"reports-sink": func(v *config.FlagValues) *config.StringFlag { return &v.ReportsSink },
	"reports-dir":  func(v *config.FlagValues) *config.StringFlag { return &v.ReportsDir },
}

var boolFlags = map[string]func(*config.FlagValues) *config.BoolFlag{
	"verbose":          func(v *config.FlagValues) *config.BoolFlag { return &v.Verbose },
	"dry-run":          func(v *config.FlagValues) *config.BoolFlag { return &v.DryRun },
	"fail-on-unstable": func(v *config.FlagValues) *config.BoolFlag { return &v.FailOnUnstable },
	"keep-workspaces":  func(v *config.FlagValues) *config.BoolFlag { return &v.KeepWorkspaces },
	"allow-privileged": func(v *config.FlagValues) *config.BoolFlag { return &v.AllowPrivileged },
}

var sliceFlags = map[string]func(*config.FlagValues) *config.SliceFlag{
	"only-stage": func(v *config.FlagValues) *config.SliceFlag { return &v.OnlyStages },
	"skip-stage": func(v *config.FlagValues) *config.SliceFlag { return &v.SkipStages },
	"credential": func(v *config.FlagValues) *config.SliceFlag { return &v.Credentials },
	"param":      func(v *config.FlagValues) *config.SliceFlag { return &v.Params },
}

// gatherFlags records only the flags the user set so config file values survive.
func gatherFlags(cmd *cobra.Command) (config.FlagValues, error) {
	flags := cmd.Flags()
	var values config.FlagValues
	var err error

	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		name := f.Name
		switch {
		case stringFlags[name] != nil:
			var v string
			if v, err = flags.GetString(name); err == nil {
				*stringFlags[name](&values) = config.StringFlag{Value: v, Set: true}
			}
		case boolFlags[name] != nil:
			var v bool
			if v, err = flags.GetBool(name); err == nil {
				*boolFlags[name](&values) = config.BoolFlag{Value: v, Set: true}
			}
		case sliceFlags[name] != nil:
			var v []string
			if v, err = flags.GetStringArray(name); err == nil {
				*sliceFlags[name](&values) = config.SliceFlag{Values: append([]string{}, v...)}
			}
		case name == "timeout":
			if values.Timeout.Value, err = flags.GetDuration(name); err == nil {
				values.Timeout.Set = true
			}
		case name == "action-timeout":
			if values.ActionTimeout.Value, err = flags.GetDuration(name); err == nil {
				values.ActionTimeout.Set = true
			}
		case name == "tail-lines":
			if values.TailLines.Value, err = flags.GetInt(name); err == nil {
				values.TailLines.Set = true
			}
		}
		if err != nil {
			err = fmt.Errorf("parse --%s: %w", name, err)
		}
	})
	return values, err
}
