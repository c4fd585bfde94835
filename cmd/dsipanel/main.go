package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"dsipanel/internal/config"
	appLog "dsipanel/internal/log"
)

var exampleUsage = strings.TrimSpace(`
  dsipanel run --config /etc/dsipanel/config.yaml
  dsipanel run --dry-run --once --debug
  dsipanel probe
  dsipanel modes
`)

// globalFlags holds the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	debug      bool
	dryRun     bool
}

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:          "dsipanel",
		Short:        "Power sequencing and bring-up for the Sharp LQ079L1SX01 dual-link DSI panel",
		Example:      exampleUsage,
		Version:      fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.debug {
				appLog.SetLevel(appLog.LevelDebug)
			}
			changed := []string{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed = append(changed, f.Name) })
			appLog.Debug("dsipanel starting", "version", getVersion(), "command", cmd.Name(), "flags", strings.Join(changed, ","))
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", config.DefaultPath(), "Path to config file")
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logging (overrides log_level)")
	pf.BoolVar(&flags.dryRun, "dry-run", false, "Log DCS traffic and use dummy rails; do not touch hardware")

	root.AddCommand(newRunCmd(&flags), newModesCmd(&flags), newProbeCmd(&flags))
	return root
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
