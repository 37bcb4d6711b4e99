package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/wecom-gw/internal/config"
	"github.com/mattjoyce/wecom-gw/internal/doctor"
	"github.com/mattjoyce/wecom-gw/internal/gateway"
	"github.com/mattjoyce/wecom-gw/internal/lock"
	"github.com/mattjoyce/wecom-gw/internal/log"
)

const version = "0.3.0"

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "wecom-gw",
		Short:         "WeCom callback and send gateway",
		Long:          "wecom-gw receives encrypted WeCom application callbacks, routes them to per-sender handlers, and sends messages back through the WeCom API.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to config.yaml (or its directory)")

	system := &cobra.Command{Use: "system", Short: "Run and inspect the gateway process"}
	system.AddCommand(startCmd(&configPath), statusCmd(&configPath))

	cfgCmd := &cobra.Command{Use: "config", Short: "Check and lock configuration"}
	cfgCmd.AddCommand(checkCmd(&configPath), lockCmd(&configPath))

	root.AddCommand(system, cfgCmd, versionCmd())
	return root
}

// defaultConfigPath honours $WECOM_GW_CONFIG, then ./config.yaml.
func defaultConfigPath() string {
	if p := os.Getenv("WECOM_GW_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wecom-gw version %s\n", version)
		},
	}
}

func startCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the gateway in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
			logger := log.WithComponent("main")
			logger.Info("wecom-gw starting", "version", version, "config", cfg.SourcePath)

			pidPath := pidLockPath(cfg)
			pidLock, err := lock.Acquire(pidPath)
			if err != nil {
				logger.Error("failed to acquire PID lock", "path", pidPath, "error", err)
				return err
			}
			defer pidLock.Release()
			logger.Info("acquired PID lock", "path", pidPath)

			gw, err := gateway.New(cfg, log.Get())
			if err != nil {
				logger.Error("failed to assemble gateway", "error", err)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("gateway stopped with error", "error", err)
				return err
			}
			logger.Info("wecom-gw stopped")
			return nil
		},
	}
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a gateway holds the PID lock for this config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			pidPath := pidLockPath(cfg)

			l, err := lock.Acquire(pidPath)
			if errors.Is(err, lock.ErrLocked) {
				if pid, perr := lock.ReadPID(pidPath); perr == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "running (pid %d)\n", pid)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "running (lock %s held)\n", pidPath)
				}
				return nil
			}
			if err != nil {
				return err
			}
			_ = l.Release()
			fmt.Fprintf(cmd.OutOrStdout(), "stopped (lock %s free)\n", pidPath)
			return &exitError{code: 3, err: errors.New("gateway not running")}
		},
	}
}

func checkCmd(configPath *string) *cobra.Command {
	var format string
	var strict bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and report warnings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("config load error: %w", err)
			}

			result := doctor.New(cfg).Validate()
			switch format {
			case "json":
				out, err := doctor.FormatJSON(result)
				if err != nil {
					return fmt.Errorf("json format error: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
			default:
				fmt.Fprint(cmd.OutOrStdout(), doctor.FormatHuman(result))
			}

			if !result.Valid {
				return &exitError{code: 1, err: errors.New("configuration invalid")}
			}
			if strict && len(result.Warnings) > 0 {
				return &exitError{code: 2, err: errors.New("configuration has warnings")}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "human", "output format (human, json)")
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	return cmd
}

func lockCmd(configPath *string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Record the config's BLAKE3 hash so later edits are detected",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := config.Lock(*configPath, dryRun)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n", report.Hash, report.ConfigPath)
			if report.Written {
				fmt.Fprintf(out, "wrote %s\n", report.ChecksumPath)
			} else {
				fmt.Fprintln(out, "dry run: nothing written")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "compute the hash without writing")
	return cmd
}

func pidLockPath(cfg *config.Config) string {
	if cfg.Service.PIDFile != "" {
		return cfg.Service.PIDFile
	}
	return lock.DefaultPath(cfg.SourcePath)
}
