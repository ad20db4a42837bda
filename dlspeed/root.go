package dlspeed

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const shutdownTimeout = 10 * time.Second

type BuildInfo struct {
	Name       string
	Annotation string
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for key, flagName := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flagName)); err != nil {
			return errors.Wrapf(err, "cannot bind flag %s", flagName)
		}
	}

	return nil
}

func loadAndInit(v *viper.Viper, configPath string) (*Config, error) {
	config, err := LoadConfig(v, configPath)
	if err != nil {
		return nil, err
	}
	InitLogging(config.Log, os.Stderr)

	return config, nil
}

func printTimestamp(printer *log.Logger) {
	printer.Println()
	printer.Printf("At: %s\n", time.Now().Format(time.RFC1123Z))
	printer.Println()
}

func runMeasurements(ctx context.Context, printer *log.Logger, config *Config) error {
	// if none specified, pick up a transport protocol automatically
	if !config.IP4 && !config.IP6 {
		printTimestamp(printer)
		return RunAndPrint(ctx, printer, config, "tcp")
	}

	// these options are not mutually exclusive
	if config.IP4 {
		printTimestamp(printer)
		if err := RunAndPrint(ctx, printer, config, "tcp4"); err != nil {
			return errors.Wrap(err, "IPv4 measurement failed")
		}
	}
	if config.IP6 {
		printTimestamp(printer)
		if err := RunAndPrint(ctx, printer, config, "tcp6"); err != nil {
			return errors.Wrap(err, "IPv6 measurement failed")
		}
	}

	return nil
}

func newServeCommand(v *viper.Viper, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve test files and collect submitted results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadAndInit(v, *configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			collector := NewCollector(config.Serve.LogDir)
			errCh := make(chan error, 1)
			go func() {
				errCh <- collector.Start(config.Serve.ListenAddr)
			}()

			select {
			case err := <-errCh:
				return errors.Wrap(err, "collector stopped")
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			return errors.Wrap(collector.Shutdown(shutdownCtx), "collector shutdown failed")
		},
	}

	cmd.Flags().String("listen-addr", ":8080", "Address to listen on")
	cmd.Flags().String("log-dir", "./logs", "Directory receiving submitted results")
	cobra.CheckErr(bindFlags(v, cmd.Flags(), map[string]string{
		"serve.listen-addr": "listen-addr",
		"serve.log-dir":     "log-dir",
	}))

	return cmd
}

func NewRootCommand(build BuildInfo) *cobra.Command {
	v := NewViper()
	var configPath string

	cmd := &cobra.Command{
		Use:           "dlspeed",
		Short:         "Measure download throughput and latency against a file server",
		Version:       build.Name + " (" + build.Annotation + ")",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadAndInit(v, configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			printer := log.New(cmd.OutOrStdout(), "", 0)
			printer.Printf("dlspeed %s\n", cmd.Version)

			return runMeasurements(ctx, printer, config)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringVarP(&configPath, "config", "c", "", "Path to a config file")
	persistent.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	persistent.Bool("log-pretty", true, "Human-readable logs instead of JSON")

	flags := cmd.Flags()
	flags.BoolP("ip4", "4", false, "Ensure measurements over IPv4")
	flags.BoolP("ip6", "6", false, "Ensure measurements over IPv6")
	flags.Int("repeat-count", 3, "Number of transfers per target")
	flags.StringSlice("targets", defaultTargets, "Files to fetch, in order")
	flags.String("base-url", "http://localhost:8080/files/", "URL the targets are relative to")
	flags.String("sink-url", "http://localhost:8080/writer", "Where results are posted; empty disables")
	flags.Duration("transfer-timeout", 60*time.Second, "Per-transfer timeout; 0 disables")

	cobra.CheckErr(bindFlags(v, persistent, map[string]string{
		"log.level":  "log-level",
		"log.pretty": "log-pretty",
	}))
	cobra.CheckErr(v.BindPFlags(flags))

	cmd.AddCommand(newServeCommand(v, &configPath))

	return cmd
}
