package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fedora-packager/hubclient/internal/config"
)

var (
	configFile    string
	logLevel      string
	metricsListen string
	user          string
	hubURL        string
	bodhiURL      string
)

// the application built by the root command for the subcommand being run
var current *app

var rootCmd = &cobra.Command{
	Use:          "fedpkg-hub",
	Short:        "Submit builds to a Koji hub and updates to Bodhi",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if metricsListen != "" {
			cfg.MetricsListen = metricsListen
		}
		if hubURL != "" {
			cfg.Koji.Server = hubURL
		}
		if bodhiURL != "" {
			cfg.Bodhi.URL = bodhiURL
		}

		a, err := newApp(cfg, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		current = a
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if current == nil {
			return nil
		}
		return current.Close()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", config.DefaultPath(), "configuration file")
	flags.StringVar(&logLevel, "log-level", "", "log level, overrides the configuration")
	flags.StringVar(&metricsListen, "metrics-listen", "", "serve prometheus metrics on this address")
	flags.StringVarP(&user, "user", "u", "", "user name for password logins, FEDPKG_HUB_PASSWORD holds the password")
	flags.StringVar(&hubURL, "hub", "", "Koji hub URL, overrides the configuration")
	flags.StringVar(&bodhiURL, "bodhi", "", "Bodhi URL, overrides the configuration")

	rootCmd.AddCommand(
		buildCmd,
		chainBuildCmd,
		scratchSRPMCmd,
		updateCmd,
		waitRepoCmd,
		waitTaskCmd,
		taskInfoCmd,
		listBuildTagsCmd,
		certStatusCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if current != nil {
		// PersistentPostRunE does not run after a failed command
		if cerr := current.Close(); cerr != nil {
			logrus.Warnf("cleanup failed: %v", cerr)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
