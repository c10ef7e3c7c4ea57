package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"sidecar-sdk/registry"
	"sidecar-sdk/sidecar"
)

var (
	cfgFile       string
	appID         string
	verbose       bool
	etcdEndpoints string
	group         string
)

var rootCmd = &cobra.Command{
	Use:   "sidecarctl",
	Short: "Invoke applications through a sidecar, or run a local one",
	Long: `sidecarctl talks to the sidecar next to your application.

Commands:
  invoke  - send messages to echo and chain a sleep after each one
  serve   - run an in-process sidecar hosting the demo app

The sidecar endpoint is resolved from APP_SIDECAR_* variables, then --config,
then flags.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "TOML or YAML client config file")
	rootCmd.PersistentFlags().StringVar(&appID, "app-id", sidecar.DemoAppID, "target application id")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&etcdEndpoints, "etcd", "", "comma-separated etcd endpoints for sidecar discovery")
	rootCmd.PersistentFlags().StringVar(&group, "group", "default", "registry group of the sidecars")
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}

// newEtcd returns nil when --etcd is not set.
func newEtcd(logger *zap.Logger) (*registry.EtcdRegistry, error) {
	if etcdEndpoints == "" {
		return nil, nil
	}
	return registry.NewEtcdRegistry(strings.Split(etcdEndpoints, ","), logger)
}

func printError(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
}
