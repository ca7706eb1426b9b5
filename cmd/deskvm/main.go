// deskvm provisions disposable desktop VM sandboxes in Docker.
//
// Commands:
//
//	deskvm start         Start a sandbox and wait until it is usable
//	deskvm stop <id>     Stop a sandbox recorded in the registry
//	deskvm list          List recorded sandboxes
//	deskvm cp            Copy a file out of a sandbox
//	deskvm image fetch   Download and extract a VM disk image
//	deskvm ports         Show the ports the next sandbox would get
//	deskvm doctor        Print platform and backend info
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xfeldman/deskvm/internal/config"
	"github.com/xfeldman/deskvm/internal/image"
	"github.com/xfeldman/deskvm/internal/logging"
	"github.com/xfeldman/deskvm/internal/registry"
	"github.com/xfeldman/deskvm/internal/version"
	"github.com/xfeldman/deskvm/internal/vmm"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	root := a.rootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		logger := logging.Ensure(a.logger)
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app carries state shared by every subcommand, filled in by the root
// command's pre-run hook.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	levelVar slog.LevelVar
	logger   *slog.Logger
	cfg      *config.Config
}

func defaultConfigPath() string {
	return filepath.Join(config.DefaultConfig().DataDir, "config.yaml")
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "deskvm",
		Short:         "Provision desktop VM sandboxes for agent evaluation",
		Version:       version.String(),
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath(), "Path to the YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log verbosity (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "text", "Log format (text, json)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(a.logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(a.logFormat)
		if err != nil {
			return err
		}
		a.levelVar.Set(level)
		a.logger = logging.New(mode, os.Stderr, &a.levelVar)
		slog.SetDefault(a.logger)

		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		if err := cfg.EnsureDirs(); err != nil {
			return fmt.Errorf("create data directories: %w", err)
		}
		a.cfg = cfg
		return nil
	}

	root.AddCommand(
		a.startCommand(),
		a.stopCommand(),
		a.listCommand(),
		a.cpCommand(),
		a.imageCommand(),
		a.portsCommand(),
		a.doctorCommand(),
	)
	return root
}

func (a *app) openRegistry() (*registry.DB, error) {
	db, err := registry.Open(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	return db, nil
}

func (a *app) openBackend() (*vmm.DockerVMM, error) {
	return vmm.NewDockerVMM(a.cfg.KVMDevice,
		vmm.WithLogger(a.logger),
		vmm.WithDigestResolver(func(ctx context.Context, ref string) (string, error) {
			return image.ResolveDigest(ctx, ref)
		}),
	)
}
