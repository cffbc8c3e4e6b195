package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/factorysh/maintenance/config"
	"github.com/factorysh/maintenance/server"
	"github.com/factorysh/maintenance/task"
	// registers the application tasks
	_ "github.com/factorysh/maintenance/task/maintenance"
	"github.com/factorysh/maintenance/version"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Maintenance runs long maintenance tasks",
	Long: `Maintenance enqueues, executes and follows resumable maintenance tasks.
		`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return initSentry(cfg.SentryDSN)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		sentry.Flush(2 * time.Second)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		os.Getenv("MAINTENANCE_CONFIG"), "YAML configuration file")
}

func initSentry(dsn string) error {
	if dsn == "" {
		dsn = os.Getenv("SENTRY_DSN")
	}
	if dsn == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: version.Version(),
	})
	if err != nil {
		return err
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("service", "maintenance")
	})
	return nil
}

// open builds a server from the loaded configuration
func open(ctx context.Context) (*server.Server, error) {
	return server.New(ctx, cfg, task.Default)
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
