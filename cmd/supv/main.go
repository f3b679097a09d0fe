package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/supv"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "supv",
		Short: "Supervision tree runtime",
		Long: `Supv runs a tree of supervised processes described by a TOML config:
children start concurrently, failures are restarted in place under a
shared restart budget, and budget exhaustion stops the whole tree.

Examples:
  supv run --config=supv.toml
  supv validate --config=supv.toml`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.AddCommand(
		createRunCommand(flags),
		createValidateCommand(flags),
	)
	return root
}

func createRunCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run [config.toml]",
		Short: "Run the supervision tree",
		Long: `Run the supervision tree described by the config until it stops.
The first SIGTERM/SIGINT halts the tree gracefully; a second one aborts it.

Examples:
  supv run --config=supv.toml
  supv run supv.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTree(configPath(flags, args))
		},
	}
}

func createValidateCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config.toml]",
		Short: "Validate a config file",
		Long: `Load and validate a config file without starting anything.

Examples:
  supv validate --config=supv.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(flags, args)
			if path == "" {
				return errors.New("config file required; use --config or provide as argument")
			}
			cfg, err := supv.LoadConfig(path)
			if err != nil {
				return err
			}
			fmt.Printf("config OK: supervisor %q, %d child(ren), restart budget %d per %s\n",
				cfg.Supervisor.Name, len(cfg.Children), cfg.Supervisor.RestartLimit, cfg.Supervisor.RestartWithin)
			return nil
		},
	}
}

func configPath(flags *GlobalFlags, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return flags.ConfigPath
}

func runTree(path string) error {
	if path == "" {
		return errors.New("config file required; use --config or provide as argument")
	}
	cfg, err := supv.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	sup, cleanup, err := supv.FromConfig(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	starting := sup.Start(context.Background())
	<-starting.Done()
	res := starting.Result()
	switch res.Outcome {
	case supv.StartCompleted:
		fmt.Println("nothing to supervise; all children completed at start")
		return nil
	case supv.StartStarted:
	default:
		return fmt.Errorf("tree failed to start: %w", res.Err)
	}
	tree := res.Child

	if cfg.Server.Listen != "" {
		server, err := supv.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, sup, cfg.Metrics.Enabled)
		if err != nil {
			tree.Abort()
			<-tree.Done()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		defer func() { _ = server.Close() }()
		fmt.Printf("status server listening on %s%s\n", cfg.Server.Listen, cfg.Server.BasePath)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	halted := false
	for {
		select {
		case <-tree.Done():
			exit := tree.Exit()
			switch exit.Outcome {
			case supv.ExitFatal:
				return fmt.Errorf("tree stopped: %w", exit.Err)
			default:
				fmt.Println("tree stopped")
				return nil
			}
		case <-sigCh:
			if halted {
				fmt.Println("aborting...")
				tree.Abort()
				continue
			}
			halted = true
			fmt.Println("shutting down... (send again to abort)")
			tree.Halt()
		}
	}
}
