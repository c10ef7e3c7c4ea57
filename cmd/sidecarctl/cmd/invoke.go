package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"sidecar-sdk/client"
	"sidecar-sdk/config"
	"sidecar-sdk/loadbalance"
	"sidecar-sdk/message"
	"sidecar-sdk/middleware"
	"sidecar-sdk/registry"
	"sidecar-sdk/tracing"
)

var (
	invokePort     int
	invokeProtocol string
	balancerName   string
	retries        int
)

var invokeCmd = &cobra.Command{
	Use:   "invoke MESSAGE...",
	Short: "Send each message to echo, then call sleep with the echo's context",
	Long: `For every message, invoke echo with the message as body and print the answer,
then invoke sleep carrying the propagation context the echo returned. All
messages run inside one span; a failed echo skips its sleep and stops the run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInvoke,
}

func init() {
	invokeCmd.Flags().IntVar(&invokePort, "port", 0, "sidecar port, overrides environment and config file")
	invokeCmd.Flags().StringVar(&invokeProtocol, "protocol", "", "http, grpc or frame")
	invokeCmd.Flags().StringVar(&balancerName, "balancer", "consistent_hash", "round_robin, weighted_random or consistent_hash (with --etcd)")
	invokeCmd.Flags().IntVar(&retries, "retries", 0, "retry connection failures this many times")
	rootCmd.AddCommand(invokeCmd)
}

func runInvoke(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	tracer := tracing.NewTracer("sidecarctl", sdktrace.WithSyncer(tracing.LogExporter{Logger: logger}))
	defer tracer.Shutdown(context.Background())
	b := client.NewBuilder(config.WithLogger(logger)).
		WithLogger(logger).
		WithTracer(tracer).
		Use(middleware.Logging(logger))
	if retries > 0 {
		b.Use(middleware.Retry(retries, 100*time.Millisecond, logger))
	}
	if cfgFile != "" {
		b.WithConfigFile(cfgFile)
	}
	if invokeProtocol != "" {
		p, err := config.ParseProtocol(invokeProtocol)
		if err != nil {
			return err
		}
		b.WithProtocol(p)
	}
	if invokePort != 0 {
		b.WithPort(invokePort)
	}

	etcd, err := newEtcd(logger)
	if err != nil {
		return err
	}
	if etcd != nil {
		defer etcd.Close()
		cached, err := registry.NewCachedRegistry(etcd, 64, logger)
		if err != nil {
			return err
		}
		defer cached.Close()
		bal, err := loadbalance.New(balancerName)
		if err != nil {
			return err
		}
		b.WithRegistry(cached, group, bal)
	}

	c, err := b.Build()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = c.Sequence(ctx, "sidecarctl invoke", func(ctx context.Context) error {
		for _, msg := range args {
			first, err := message.NewRequestBuilder(appID, "echo").WithString(msg).Build()
			if err != nil {
				return err
			}
			printEcho := func(prev *message.InvocationResponse) (*message.InvocationRequest, error) {
				fmt.Fprintln(cmd.OutOrStdout(), string(prev.Payload))
				return prev.Next(appID, "sleep").Build()
			}
			if _, err := c.InvokeChain(ctx, first, printEcho); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		printError("invoke", err)
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Done")
	return nil
}
