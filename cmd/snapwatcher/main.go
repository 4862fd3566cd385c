package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/snapcrafters/snapwatcher/internal/buildsvc"
	"github.com/snapcrafters/snapwatcher/internal/cfg"
	"github.com/snapcrafters/snapwatcher/internal/githubclt"
	"github.com/snapcrafters/snapwatcher/internal/logfields"
	"github.com/snapcrafters/snapwatcher/internal/lpclient"
	"github.com/snapcrafters/snapwatcher/internal/poller"
	"github.com/snapcrafters/snapwatcher/internal/provider"
	"github.com/snapcrafters/snapwatcher/internal/provider/github"
	"github.com/snapcrafters/snapwatcher/internal/storage"
)

const appName = "snapwatcher"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

const EventChannelBufferSize = 1024

const defPollInterval = 30 * time.Minute

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught , terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func startHTTPSServer(listenAddr string, certFile, keyFile string, mux *http.ServeMux) {
	httpsServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating https server",
			logfields.Event("https_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpsServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down https server failed",
				logfields.Event("https_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"https server started",
			logfields.Event("https_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpsServer.ListenAndServeTLS(certFile, keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("https server terminated", logfields.Event("https_server_terminated"))
			return
		}

		logger.Fatal(
			"https server terminated unexpectedly",
			logfields.Event("https_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
	Once        *bool
}

var args arguments

const defConfigFile = "/etc/snapwatcher/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the snapwatcher configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
		Once: pflag.Bool(
			"once",
			false,
			"run a single poll pass and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\npoll snap source repositories and trigger builds on changes.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration files", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func pollInterval(config *cfg.Config) time.Duration {
	if config.Poller.Interval == "" {
		return defPollInterval
	}

	interval, err := time.ParseDuration(config.Poller.Interval)
	exitOnErr(fmt.Sprintf("could not parse poller interval %q", config.Poller.Interval), err)

	return interval
}

func pollerOptions(config *cfg.Config) []poller.Option {
	var opts []poller.Option

	if config.Poller.Concurrency > 0 {
		opts = append(opts, poller.WithConcurrency(config.Poller.Concurrency))
	}

	if config.Poller.BuildThresholdHours > 0 {
		opts = append(opts, poller.WithBuildThreshold(
			time.Duration(config.Poller.BuildThresholdHours)*time.Hour,
		))
	}

	if !config.Poller.RequestBuilds {
		opts = append(opts, poller.WithRequestBuildsDisabled())
	}

	return opts
}

// startEventConsumer dispatches webhook events to repository checks.
// Events that do not pass the trigger filter are dropped, checks that fail
// with a retryable error are repeated by the retryer.
func startEventConsumer(evChan <-chan *provider.Event, filter *provider.Filter, poll *poller.Poller, retryer *poller.Retryer) {
	go func() {
		defer panicHandler()

		for ev := range evChan {
			evLogger := logger.With(ev.LogFields()...)

			if filter != nil {
				match, err := filter.Match(context.Background(), ev)
				if err != nil {
					evLogger.Warn(
						"evaluating webhook trigger filter failed",
						logfields.Event("webhook_filter_evaluation_failed"),
						zap.Error(err),
					)

					continue
				}

				if !match {
					evLogger.Debug(
						"ignoring event, trigger filter did not match",
						logfields.Event("webhook_event_filtered"),
					)

					continue
				}
			}

			owner := ev.Owner
			repo := ev.Repository

			err := retryer.Run(
				context.Background(),
				func(ctx context.Context) error {
					return poll.CheckAndBuild(ctx, owner, repo)
				},
				ev.LogFields(),
			)
			if err != nil {
				evLogger.Error(
					"webhook triggered repository check failed",
					logfields.Event("webhook_repository_check_failed"),
					zap.Error(err),
				)
			}
		}
	}()
}

func startPollLoop(ctx context.Context, poll *poller.Poller, interval time.Duration) {
	go func() {
		defer panicHandler()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := poll.Run(ctx); err != nil {
				logger.Error(
					"poll pass failed",
					logfields.Event("poll_pass_failed"),
					zap.Error(err),
				)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.HTTPGithubWebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.GithubWebHookSecret)),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.String("launchpad_api_base_url", config.Launchpad.APIBaseURL),
		zap.String("launchpad_token_secret", hide(config.Launchpad.TokenSecret)),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	ctx, cancelFn := context.WithCancel(context.Background())
	goodbye.Register(func(context.Context, os.Signal) { cancelFn() })

	db, err := storage.NewDatabase(ctx, config.DatabaseURL)
	exitOnErr("could not connect to database", err)
	goodbye.Register(func(context.Context, os.Signal) {
		if err := db.Close(); err != nil {
			logger.Warn("closing database failed", zap.Error(err))
		}
	})

	githubClient := githubclt.New(
		config.GithubAPIToken,
		githubclt.WithManifestPath(config.Poller.SnapcraftManifestPath),
	)

	lpClient, err := lpclient.New(
		config.Launchpad.APIBaseURL,
		lpclient.WithOAuth(
			config.Launchpad.ConsumerKey,
			config.Launchpad.TokenKey,
			config.Launchpad.TokenSecret,
		),
	)
	exitOnErr("could not create launchpad client", err)

	buildService := buildsvc.New(lpClient, config.Launchpad.ServiceAccount)

	detector := poller.NewDetector(githubClient, config.Poller.GithubRepoPrefix)

	poll := poller.New(
		db,
		buildService,
		detector,
		config.Poller.GithubRepoPrefix,
		pollerOptions(config)...,
	)

	if *args.Once {
		err := poll.Run(ctx)
		exitOnErr("poll pass failed", err)

		goodbye.Exit(ctx, 0)
		return
	}

	retryer := poller.NewRetryer()
	goodbye.Register(func(context.Context, os.Signal) { retryer.Stop() })

	mux := http.NewServeMux()

	if config.HTTPGithubWebhookEndpoint != "" {
		var filter *provider.Filter

		if config.Poller.WebhookTriggerQuery != "" {
			filter, err = provider.NewFilter(config.Poller.WebhookTriggerQuery)
			exitOnErr("could not parse webhook trigger query", err)
		}

		evChan := make(chan *provider.Event, EventChannelBufferSize)

		gh := github.New(
			evChan,
			github.WithPayloadSecret(config.GithubWebHookSecret),
		)

		mux.HandleFunc(config.HTTPGithubWebhookEndpoint, gh.HTTPHandler)
		logger.Info(
			"registered github webhook event http endpoint",
			logfields.Event("github_http_handler_registered"),
			zap.String("endpoint", config.HTTPGithubWebhookEndpoint),
		)

		startEventConsumer(evChan, filter, poll, retryer)
	}

	if config.HTTPMetricsEndpoint != "" {
		mux.Handle(config.HTTPMetricsEndpoint, promhttp.Handler())
		logger.Info(
			"registered metrics http endpoint",
			logfields.Event("metrics_http_handler_registered"),
			zap.String("endpoint", config.HTTPMetricsEndpoint),
		)
	}

	if config.HTTPListenAddr != "" {
		startHTTPServer(config.HTTPListenAddr, mux)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPSServer(
			config.HTTPSListenAddr,
			config.HTTPSCertFile,
			config.HTTPSKeyFile,
			mux,
		)
	}

	startPollLoop(ctx, poll, pollInterval(config))

	select {} // TODO: refactor this, allow clean shutdown
}
