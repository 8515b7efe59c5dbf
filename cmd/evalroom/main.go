package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-go/evalroom/internal/dotenv"
	"github.com/vango-go/evalroom/pkg/gateway/config"
)

type appDeps struct {
	loadEnvFile  func(path, prefix string) ([]string, error)
	loadConfig   func() (config.Config, error)
	listen       func(addr string) (net.Listener, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
	stdout       io.Writer
	stderr       io.Writer
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadEnvFile: dotenv.LoadFile,
		loadConfig:  config.LoadFromEnv,
		listen: func(addr string) (net.Listener, error) {
			return net.Listen("tcp", addr)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
	}
}

func newRootCmd(deps appDeps) *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:           "evalroom",
		Short:         "Presentation evaluation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if deps.loadEnvFile == nil || envFile == "" {
				return nil
			}
			if _, err := deps.loadEnvFile(envFile, config.EnvPrefix); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.SetOut(deps.stdout)
	cmd.SetErr(deps.stderr)
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading EVALROOM_* variables")

	cmd.AddCommand(newServeCmd(deps))
	cmd.AddCommand(newMigrateCmd(deps))
	cmd.AddCommand(newRubricCmd(deps))
	return cmd
}

// loadRuntime reads the configuration and builds the logger every subcommand shares.
func loadRuntime(deps appDeps) (config.Config, *slog.Logger, error) {
	if deps.loadConfig == nil {
		return config.Config{}, nil, fmt.Errorf("missing loadConfig dependency")
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, newLogger(cfg, deps.stderr), nil
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runMain(ctx context.Context, args []string, deps appDeps) int {
	if deps.stderr == nil {
		deps.stderr = os.Stderr
	}
	if deps.stdout == nil {
		deps.stdout = os.Stdout
	}
	cmd := newRootCmd(deps)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(deps.stderr, "evalroom: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], defaultAppDeps()))
}
