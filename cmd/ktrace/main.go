// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cilium/ktrace/pkg/kernel"
	"github.com/cilium/ktrace/pkg/logger"
	"github.com/cilium/ktrace/pkg/metrics"
	"github.com/cilium/ktrace/pkg/metrics/metricsconfig"
	"github.com/cilium/ktrace/pkg/option"
)

var log = logger.GetLogger()

func main() {
	err := New().Execute()
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}

func New() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "ktrace",
		Short:        "ktrace - dynamic instrumentation and BPF execution on a simulated kernel",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Help()
		},
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := option.ReadAndSetFlags(); err != nil {
				return err
			}
			if err := logger.SetupLogging(option.Config.LogOpts, option.Config.Debug); err != nil {
				return err
			}
			if option.Config.MetricsServer != "" {
				metricsconfig.InitAllMetrics(metrics.GetRegistry())
				go func() {
					if err := metrics.EnableMetrics(option.Config.MetricsServer); err != nil {
						log.WithError(err).Warn("Metrics server stopped")
					}
				}()
			}
			return nil
		},
	}
	// by default, it fallbacks to stderr
	rootCmd.SetOut(os.Stdout)

	cobra.OnInitialize(func() {
		readConfigSettings(defaultConfDir, defaultConfDropIn)
	})

	rootCmd.AddCommand(
		newDemoCmd(),
		newEventsCmd(),
		newFormatCmd(),
	)

	flags := rootCmd.PersistentFlags()
	option.AddFlags(flags)
	viper.SetEnvPrefix("ktrace")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.BindPFlags(flags)
	return rootCmd
}

// bootKernel boots the kernel described by the configuration.
func bootKernel() (*kernel.Kernel, error) {
	cfg, err := kernel.DefaultConfig()
	if err != nil {
		return nil, err
	}
	return kernel.Boot(cfg)
}
