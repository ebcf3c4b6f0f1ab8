package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sumkincpp/rtrtr/config"
	"github.com/sumkincpp/rtrtr/manager"
	"github.com/sumkincpp/rtrtr/pkg/webapi"
)

var rootCmd = &cobra.Command{
	Use:   "rtrtr",
	Short: "An RPKI data relay",

	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			return fmt.Errorf("a configuration file is required, use --config")
		}
		cmd.SilenceUsage = true
		return runRtrtr()
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies the config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("http-listen", "", "the address of the metrics/status endpoint")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("rtrtr")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func initTelemetry(ctx context.Context, logger *zap.Logger) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("rtrtr"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	return meterProvider, nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func runRtrtr() error {
	logLevel, logger := getLogger()

	logger.Info("starting rtrtr",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		return err
	}

	applyLogLevel := func(cfg *config.Config) {
		levelStr := cfg.LogLevel
		if levelStr == "" {
			levelStr = viper.GetString("log-level")
		}
		parsedLogLevel, err := zapcore.ParseLevel(levelStr)
		if err != nil {
			logger.Warn("invalid log level specified, using INFO instead")
			parsedLogLevel = zapcore.InfoLevel
		}
		logLevel.SetLevel(parsedLogLevel)
	}
	applyLogLevel(cfg)

	meterProvider, err := initTelemetry(context.Background(), logger)
	if err != nil {
		logger.Error("failed to initialize opentelemetry metrics", zap.Error(err))
		return err
	}
	otel.SetMeterProvider(meterProvider)

	mgr := manager.New(logger.Named("manager"))

	httpListen := cfg.HTTPListen
	if httpListen == "" {
		httpListen = viper.GetString("http-listen")
	}
	if httpListen != "" {
		webapi.InitializeWebServer(webapi.WebServerOptions{
			Logger:        logger.Named("webapi"),
			LogLevel:      &logLevel,
			ListenAddress: httpListen,
			Status:        mgr.Status,
		})
	}

	mgr.Start(cfg)

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		newCfg, err := config.Load(cfgFile)
		if err != nil {
			// the running configuration stays in effect
			logger.Warn("failed to load new configuration, keeping the old one",
				zap.Error(err))
			return
		}

		applyLogLevel(newCfg)
		mgr.Reload(newCfg)
	}

	if watchCfgFile {
		watchViper := viper.New()
		watchViper.SetConfigFile(cfgFile)
		watchViper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go watchViper.WatchConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, attempting graceful shutdown...")
					hasReceivedSigInt = true
					cancel()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				cancel()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	mgr.Run(ctx)
	logger.Info("rtrtr shutdown gracefully")
	return nil
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
