// opsgate is an automated alerting and incident-response engine: it
// evaluates alert rules against host metrics, routes alerts to
// notification channels with retry, escalates unacknowledged alerts,
// correlates alert storms into incidents and generates post-mortems.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opsgate/opsgate/internal/conf"
	"github.com/opsgate/opsgate/internal/logger"
	"github.com/opsgate/opsgate/internal/service"
)

var version = "dev"

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "opsgate",
		Short:         "Automated alerting and incident response engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := conf.Load(configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), settings)
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
	return cmd
}

func run(ctx context.Context, settings *conf.Settings) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.NewSlogLogger(os.Stdout, logger.ParseLevel(settings.Main.LogLevel), nil)
	log.Info("starting opsgate",
		logger.String("version", version),
		logger.String("data_path", settings.Main.DataPath))

	svc, err := service.New(ctx, settings, log)
	if err != nil {
		return err
	}
	svc.Start(ctx)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-svc.Err():
		log.Error("fatal runtime error", logger.Error(err))
		svc.Shutdown()
		return err
	}

	svc.Shutdown()
	return nil
}
