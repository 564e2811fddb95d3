package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/flashbots/go-utils/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/heliolabs/bundler-node/bundler"
	"github.com/heliolabs/bundler-node/fees"
	"github.com/heliolabs/bundler-node/jsonrpcserver"
	"github.com/heliolabs/bundler-node/nodepool"
	"github.com/heliolabs/bundler-node/signing"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug        = os.Getenv("DEBUG") == "1"
	defaultLogProd      = os.Getenv("LOG_PROD") == "1"
	defaultLogService   = os.Getenv("LOG_SERVICE")
	defaultPort         = cli.GetEnv("PORT", "8080")
	defaultMetricsPort  = cli.GetEnv("METRICS_PORT", "8088")
	defaultConfigFile   = cli.GetEnv("CONFIG", "bundler.yaml")
	defaultSimRateLimit = cli.GetEnv("SIM_RATE_LIMIT", "5")

	// Flags
	debugPtr        = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr      = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr   = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr         = flag.String("port", defaultPort, "port to listen on")
	configPtr       = flag.String("config", defaultConfigFile, "config file")
	simRateLimitPtr = flag.String("sim-rate-limit", defaultSimRateLimit, "bundle_simulate rate limit for external users (calls per second)")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	logger.Info("Starting bundler-node", zap.String("version", version))

	cfg, err := bundler.LoadConfig(*configPtr)
	if err != nil {
		exitOn(logger, err, "Failed to load config")
	}

	pool, err := nodepool.New(logger, cfg.PoolConfig())
	if err != nil {
		exitOn(logger, err, "Failed to build node pool")
	}
	poolWg := pool.Start(ctx)

	estimator := fees.NewEstimator(logger, pool, cfg.FeeConfig())

	gateway, err := signing.New(logger, cfg.SignerConfig())
	if err != nil {
		exitOn(logger, err, "Failed to build signing gateway")
	}

	simulator := bundler.NewSimulator(logger, pool, cfg.Policy(), cfg.Bundle.PerTxCUCap)

	orchestrator, err := bundler.NewOrchestrator(logger, pool, estimator, gateway, simulator, cfg.PipelineConfig())
	if err != nil {
		exitOn(logger, err, "Failed to build orchestrator")
	}
	logger.Info("Fee payer resolved", zap.String("payer", orchestrator.Payer().String()))

	rateLimit, err := strconv.ParseFloat(*simRateLimitPtr, 64)
	if err != nil {
		exitOn(logger, bundler.E(bundler.KindConfig, "invalid sim rate limit"), "Failed to parse sim rate limit")
	}

	api := bundler.NewAPI(logger, orchestrator, rate.Limit(rateLimit))

	jsonRPCServer, err := jsonrpcserver.NewHandler(jsonrpcserver.Methods{
		bundler.SubmitEndpointName:   api.Submit,
		bundler.SimulateEndpointName: api.Simulate,
		bundler.StatusEndpointName:   api.Status,
		bundler.HealthEndpointName:   api.Health,
	})
	if err != nil {
		exitOn(logger, err, "Failed to create jsonrpc server")
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", defaultMetricsPort),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	// wait for the probe loop to finish
	poolWg.Wait()
}

// exitOn logs the failure and exits with the taxonomy's exit code.
func exitOn(logger *zap.Logger, err error, msg string) {
	logger.Error(msg, zap.Error(err))
	_ = logger.Sync()
	os.Exit(bundler.ExitCode(err))
}
