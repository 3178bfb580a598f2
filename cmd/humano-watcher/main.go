package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	watcher "github.com/Dominican809/humano-watcher"
	"github.com/Dominican809/humano-watcher/internal/pipeline"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// ProcessFlags holds flags for the one-shot process command.
type ProcessFlags struct {
	Kind string
	File string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	processFlags := &ProcessFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(createServeCommand(globalFlags))
	root.AddCommand(createProcessCommand(globalFlags, processFlags))
	root.AddCommand(createStatusCommand(globalFlags))
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "humano-watcher",
		Short:         "Email-triggered insurance emission pipelines",
		Long:          "humano-watcher watches a mailbox for insurer report emails and drives the emission pipelines they trigger.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "watcher.toml", "path to TOML config")
	return cmd
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the watcher daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := watcher.New(globalFlags.ConfigPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			return app.Run(ctx)
		},
	}
}

func createProcessCommand(globalFlags *GlobalFlags, flags *ProcessFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one pipeline over a staged workbook, bypassing the mailbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := pipeline.Kind(flags.Kind)
			if !kind.Known() {
				return fmt.Errorf("unknown pipeline kind %q (viajeros or si)", flags.Kind)
			}
			if flags.File == "" {
				return fmt.Errorf("--file is required")
			}
			app, err := watcher.New(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			res, err := app.RunOnce(cmd.Context(), kind, flags.File)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Kind, "kind", "", "pipeline kind: viajeros or si")
	cmd.Flags().StringVar(&flags.File, "file", "", "path to the staged xlsx workbook")
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the latest execution statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := watcher.New(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			combined, err := app.LatestStats()
			if err != nil {
				return err
			}
			if combined == nil {
				fmt.Println("no executions recorded yet")
				return nil
			}
			out, _ := json.MarshalIndent(combined, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}
