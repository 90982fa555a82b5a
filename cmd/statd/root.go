package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"statd/internal/config"
	"statd/internal/daemonrun"
	"statd/internal/logging"
)

// errUsage marks a command line that selects no valid mode.
var errUsage = errors.New("usage")

type rootFlags struct {
	debug      bool
	notifyOnly bool
	listOnce   bool
	listWatch  bool
	unnotify   []string
	configPath string
}

// execute parses args, runs the selected mode, and returns the exit status.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := daemonrun.ExitOK
	cmd := newRootCommand(ctx, stdout, stderr, &code)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(stderr, err)
		}
		fmt.Fprintln(stderr, daemonrun.Usage)
		return daemonrun.ExitFailure
	}
	return code
}

func newRootCommand(ctx context.Context, stdout, stderr io.Writer, code *int) *cobra.Command {
	var flags rootFlags

	rootCmd := &cobra.Command{
		Use:           "statd",
		Short:         "NFS status monitor",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := daemonrun.Select(daemonrun.Flags{
				NotifyOnly: flags.notifyOnly,
				ListOnce:   flags.listOnce,
				ListWatch:  flags.listWatch,
				Unnotify:   flags.unnotify,
			})
			if err != nil {
				return errUsage
			}

			cfg, resolved, exists, err := config.Load(flags.configPath)
			if err != nil {
				fmt.Fprintf(stderr, "statd: load config: %v\n", err)
				*code = daemonrun.ExitFailure
				return nil
			}
			if err := cfg.ApplyNFSConf(cfg.Paths.NFSConf, bootstrapLogger()); err != nil {
				fmt.Fprintf(stderr, "statd: %v\n", err)
			}

			configPath := ""
			if exists {
				configPath = resolved
			}
			colorize := shouldColorize(stdout)
			*code = daemonrun.Run(ctx, cfg, sel, daemonrun.Options{
				Debug:      flags.debug,
				ConfigPath: configPath,
				Render: func(report daemonrun.Report) error {
					_, err := fmt.Fprintln(stdout, renderReport(report, colorize))
					return err
				},
			})
			return nil
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(stderr, daemonrun.Usage)
	})

	f := rootCmd.Flags()
	f.SortFlags = false
	f.BoolVarP(&flags.debug, "debug", "d", false, "Log at maximum verbosity")
	f.BoolVarP(&flags.notifyOnly, "notify", "n", false, "Notify pending hosts and exit")
	f.BoolVarP(&flags.listOnce, "list", "l", false, "List monitored hosts and exit")
	f.BoolVarP(&flags.listWatch, "list-watch", "L", false, "List monitored hosts on every change")
	f.StringArrayVarP(&flags.unnotify, "unnotify", "N", nil, "Drop the pending notification of a host")
	f.StringVarP(&flags.configPath, "config", "c", "", "Configuration file path")
	return rootCmd
}

// bootstrapLogger reports nfs.conf problems before the mode logger exists.
func bootstrapLogger() *slog.Logger {
	logger, err := logging.New(logging.Options{Level: "warn", Outputs: []string{"stderr"}})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
