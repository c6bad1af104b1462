package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand.
func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)
	root.AddCommand(
		createListenCommand(global),
		createWorkCommand(global),
		createPushCommand(global),
		createStatusCommand(global),
		createReloadCommand(global),
		createStopCommand(global),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "qmaster",
		Short: "Job queue master supervisor",
		Long: `qmaster supervises the worker processes of one job-queue channel.

Examples:
  qmaster listen --config qmaster.toml            # run the supervisor
  qmaster push --payload "php artisan report"     # enqueue a job
  qmaster status --channel emails
  qmaster reload --channel emails                 # replace workers in place
  qmaster reload --api http://127.0.0.1:9150      # same, through the status API
  qmaster stop --channel emails`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (toml, yaml or json)")
	root.PersistentFlags().StringVar(&flags.Channel, "channel", "", "channel name (overrides config)")
	root.PersistentFlags().StringVar(&flags.API, "api", "", "status API base URL; status and reload go over HTTP when set")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification for --api")
	return root
}

func createListenCommand(global *GlobalFlags) *cobra.Command {
	flags := &ListenFlags{}
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run the channel supervisor in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.GlobalFlags = *global
			return runListen(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.HTTP, "http", "", "status and metrics listen address (overrides http.listen)")
	return cmd
}

func createWorkCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Consume jobs of the channel until terminated",
		Long:  "work is what the supervisor spawns for every worker instance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWork(cmd.Context(), global)
		},
	}
}

func createPushCommand(global *GlobalFlags) *cobra.Command {
	flags := &PushFlags{}
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Enqueue a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.GlobalFlags = *global
			return runPush(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.Payload, "payload", "", "command line the worker runs")
	cmd.Flags().DurationVar(&flags.Delay, "delay", 0, "delay before the job becomes available")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func createStatusCommand(global *GlobalFlags) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the supervisor runs and the queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.GlobalFlags = *global
			return runStatus(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

func createReloadCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running supervisor to replace its workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReload(cmd.Context(), global, cmd.OutOrStdout())
		},
	}
}

func createStopCommand(global *GlobalFlags) *cobra.Command {
	flags := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Terminate the running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.GlobalFlags = *global
			return runStop(flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&flags.Wait, "wait", 0, "wait until the supervisor has exited")
	return cmd
}
