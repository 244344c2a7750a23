// Package cmd wires the CLI: the root command launches the Architect
// with a mission; the worker subcommand is what the supervisor spawns.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nanoagent/nanoswarm/internal/config"
	"github.com/nanoagent/nanoswarm/internal/coordinator"
	"github.com/nanoagent/nanoswarm/internal/engine"
	"github.com/nanoagent/nanoswarm/internal/tap"
	"github.com/nanoagent/nanoswarm/internal/tracing"
)

// Version is set at build time via -ldflags "-X github.com/nanoagent/nanoswarm/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var (
	flagName        string
	flagRole        string
	flagModel       string
	flagKeys        string
	flagBlackboard  string
	flagKeepHistory bool
	flagMaxIter     int
	flagTAP         bool
)

var rootCmd = &cobra.Command{
	Use:   "nanoswarm [mission]",
	Short: "nanoswarm — multi-agent swarm coordinator",
	Long: "nanoswarm runs an Architect agent that plans a mission on a shared " +
		"file blackboard, spawns worker agents, and supervises them to completion.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runArchitect(cmd.Context(), args[0])
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.nano_agent_team/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.Flags().StringVar(&flagName, "name", "Watchdog", "architect agent name")
	rootCmd.Flags().StringVar(&flagRole, "role", "Architect", "architect role")
	rootCmd.Flags().StringVar(&flagModel, "model", "", "model key (provider or provider/model)")
	rootCmd.Flags().StringVar(&flagKeys, "keys", "", "credentials file (keys.json)")
	rootCmd.Flags().StringVar(&flagBlackboard, "blackboard", "", "blackboard directory (default: .blackboard)")
	rootCmd.Flags().BoolVar(&flagKeepHistory, "keep-history", false, "keep the blackboard from a prior run")
	rootCmd.Flags().IntVar(&flagMaxIter, "max-iterations", 0, "iteration budget (default from config)")
	rootCmd.Flags().BoolVar(&flagTAP, "tap", false, "speak the UI protocol on stdio instead of plain output")

	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(versionCmd())
}

func runArchitect(ctx context.Context, mission string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	keys, err := config.LoadKeys(flagKeys)
	if err != nil {
		return err
	}

	shutdownTracing := setupTracing(ctx, cfg)
	defer shutdownTracing()

	arch := &coordinator.Architect{
		Name:          flagName,
		Role:          flagRole,
		Mission:       mission,
		ModelKey:      pick(flagModel, cfg.Agents.Model),
		Keys:          keys,
		KeysPath:      flagKeys,
		BlackboardDir: pick(flagBlackboard, cfg.Agents.Blackboard),
		RootPath:      workdir(),
		KeepHistory:   flagKeepHistory,
		MaxIterations: pickInt(flagMaxIter, cfg.Agents.MaxIterations),
		MaxParallel:   cfg.Agents.MaxParallelTools,
	}

	if flagTAP {
		bridge := tap.NewBridge(os.Stdin, os.Stdout)
		go bridge.Run(ctx)
		arch.Bridge = bridge
		arch.Events = func(ev engine.Event) {
			if err := bridge.Out.WriteEvent(ev); err != nil {
				slog.Warn("event write failed", "error", err)
			}
		}
	} else {
		arch.Events = renderEvent
	}

	err = arch.Run(ctx)
	if errors.Is(err, coordinator.ErrInterrupted) {
		os.Exit(130)
	}
	return err
}

// renderEvent is the plain-terminal event sink.
func renderEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventToken:
		fmt.Print(ev.Delta)
	case engine.EventToolCall:
		for _, tc := range ev.ToolCalls {
			fmt.Printf("\n[%s]\n", tc.Function.Name)
		}
	case engine.EventToolResult:
		if ev.IsError {
			fmt.Printf("[%s failed: %s]\n", ev.Name, ev.Result)
		}
	case engine.EventError:
		fmt.Fprintf(os.Stderr, "error: %s\n", ev.Message)
	case engine.EventFinish:
		fmt.Printf("\n[finished: %s]\n", ev.Reason)
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.Path()
	}
	return config.Load(path)
}

func setupTracing(ctx context.Context, cfg *config.Config) func() {
	if !cfg.Telemetry.Enabled {
		return func() {}
	}
	shutdown, err := tracing.Setup(ctx, cfg.Telemetry.ServiceName, tracing.Config{
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Insecure: cfg.Telemetry.Insecure,
	})
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		return func() {}
	}
	return func() { _ = shutdown(context.Background()) }
}

func pick(flag, cfg string) string {
	if flag != "" {
		return flag
	}
	return cfg
}

func pickInt(flag, cfg int) int {
	if flag > 0 {
		return flag
	}
	return cfg
}

func workdir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nanoswarm %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	setupLogging()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	for _, a := range os.Args[1:] {
		if a == "-v" || a == "--verbose" {
			level = slog.LevelDebug
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
