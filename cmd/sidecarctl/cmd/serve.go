package cmd

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"sidecar-sdk/config"
	"sidecar-sdk/middleware"
	"sidecar-sdk/sidecar"
	"sidecar-sdk/tracing"
)

var (
	serveHost      string
	httpPort       int
	grpcPort       int
	framePort      int
	sleepFor       time.Duration
	handlerTimeout time.Duration
	rateLimit      float64
	apiToken       string
	advertiseHost  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local sidecar hosting the demo app",
	Long: `Runs an in-process sidecar on the HTTP, gRPC and frame ports and hosts the
demo app (echo, sleep) under --app-id. With --etcd every port is registered
in --group until shutdown.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "listen host")
	serveCmd.Flags().IntVar(&httpPort, "http-port", config.DefaultHTTPPort, "HTTP API port")
	serveCmd.Flags().IntVar(&grpcPort, "grpc-port", config.DefaultGRPCPort, "gRPC API port")
	serveCmd.Flags().IntVar(&framePort, "frame-port", config.DefaultFramePort, "frame protocol port")
	serveCmd.Flags().DurationVar(&sleepFor, "sleep", time.Second, "how long the sleep method sleeps")
	serveCmd.Flags().DurationVar(&handlerTimeout, "handler-timeout", 30*time.Second, "upper bound for one app call")
	serveCmd.Flags().Float64Var(&rateLimit, "rate", 0, "requests per second admitted, 0 for unlimited")
	serveCmd.Flags().StringVar(&apiToken, "api-token", os.Getenv(config.EnvAPIToken), "require this sidecar-api-token")
	serveCmd.Flags().StringVar(&advertiseHost, "advertise-host", "127.0.0.1", "host registered in etcd")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	tracer := tracing.NewTracer("sidecar", sdktrace.WithSyncer(tracing.LogExporter{Logger: logger}))
	defer tracer.Shutdown(context.Background())

	opts := []sidecar.Option{
		sidecar.WithLogger(logger),
		sidecar.WithTracer(tracer),
		sidecar.WithAPIToken(apiToken),
	}
	etcd, err := newEtcd(logger)
	if err != nil {
		return err
	}
	if etcd != nil {
		defer etcd.Close()
		opts = append(opts, sidecar.WithRegistry(etcd, group, advertiseHost))
	}

	svr := sidecar.NewServer(opts...)
	svr.Use(middleware.Recovery(logger))
	svr.Use(middleware.Logging(logger))
	if rateLimit > 0 {
		svr.Use(middleware.RateLimit(rateLimit, int(rateLimit)+1))
	}
	svr.Use(middleware.Timeout(handlerTimeout))
	if err := svr.Register(appID, &sidecar.DemoApp{SleepFor: sleepFor}); err != nil {
		return err
	}

	type entry struct {
		port  int
		serve func(net.Listener) error
	}
	errc := make(chan error, 3)
	for _, e := range []entry{{httpPort, svr.ServeREST}, {grpcPort, svr.ServeGRPC}, {framePort, svr.ServeFrame}} {
		l, err := net.Listen("tcp", net.JoinHostPort(serveHost, strconv.Itoa(e.port)))
		if err != nil {
			svr.Shutdown(time.Second)
			return err
		}
		go func() { errc <- e.serve(l) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			printError("serve", err)
		}
	}
	if shutdownErr := svr.Shutdown(10 * time.Second); shutdownErr != nil {
		logger.Warn("shutdown", zap.Error(shutdownErr))
	}
	return err
}
