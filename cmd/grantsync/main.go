package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/term"

	"github.com/grantsync/grantsync/bitbucket"
	"github.com/grantsync/grantsync/github"
	"github.com/grantsync/grantsync/resolve"
)

func main() {
	// The logger is needed before cobra parses any flags, so the output
	// format is decided by a prescan of the arguments.
	level := &slog.LevelVar{}
	var handler slog.Handler
	if lo.Contains(os.Args[1:], "--json") {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
		})
	}
	log := slog.New(handler)
	mlog := log.WithGroup("main")

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...any) {
		log.Info(fmt.Sprintf(format, a...))
	}))
	defer undo()
	if err != nil {
		mlog.Error("failed to set GOMAXPROCS", slog.Any("error", err))
		os.Exit(-2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		jsonOutput bool
		debug      bool
	)
	rootCmd := &cobra.Command{
		Use:   "grantsync action [flags]",
		Short: "Migrate Bitbucket repository permissions to GitHub",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				level.Set(slog.LevelDebug)
			}
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&jsonOutput, "json", false, "log as JSON instead of colorized lines")
	flags.BoolVar(&debug, "debug", false, "log at debug level")

	// Add all sub-commands
	rootCmd.AddCommand(bitbucket.NewExtractCmd(log.WithGroup("extract")))
	rootCmd.AddCommand(resolve.NewResolveCmd(log.WithGroup("resolve")))
	rootCmd.AddCommand(github.NewApplyCmd(log.WithGroup("apply")))

	// Make sure to cancel the context if a signal was received
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		mlog.Info("received signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		mlog.Error("command failed", slog.Any("error", err))
		os.Exit(-1)
	}
}
