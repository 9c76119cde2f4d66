package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/simaogato/tokenwallet-backend/internal/config"
	"github.com/simaogato/tokenwallet-backend/internal/logging"
)

var (
	configFile string
	vip        = viper.New()
)

var rootCmd = &cobra.Command{
	Use:          "wallet",
	Short:        "Custodial token wallet backed by a Fabric ledger",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a config file (yaml, json or toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the process logger
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(vip, configFile)
	if err != nil {
		return cfg, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}
