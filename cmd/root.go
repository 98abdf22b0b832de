package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilianp07/powerguard/app"
	"github.com/kilianp07/powerguard/config"
	"github.com/kilianp07/powerguard/infra/logger"
)

var (
	cfgPath string
	watch   bool
)

var rootCmd = &cobra.Command{
	Use:   "powerguard",
	Short: "Household power limit guard",
	Long: "powerguard watches the household power meter and curtails configured loads " +
		"when consumption stays above the limit.",
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "configuration file")
	rootCmd.Flags().BoolVar(&watch, "watch", true, "reload the guard section when the file changes")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	log := logger.New("main")
	defer func() {
		if err := svc.Close(); err != nil {
			log.Errorf("service close: %v", err)
		}
	}()

	if watch {
		unwatch, err := config.Watch(cfgPath, func(next *config.Config, err error) {
			if err != nil {
				log.Errorf("config reload: %v", err)
				return
			}
			if err := svc.Reload(ctx, next); err != nil {
				log.Errorf("config reload rejected: %v", err)
			}
		})
		if err != nil {
			log.Warnf("config watch disabled: %v", err)
		} else {
			defer func() { _ = unwatch() }()
		}
	}
	return svc.Run(ctx)
}
