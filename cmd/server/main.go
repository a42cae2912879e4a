// Command server starts the pipedrop relay HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"pipedrop/internal/config"
	"pipedrop/internal/observability/logging"
	"pipedrop/internal/observability/metrics"
	"pipedrop/internal/relay"
	"pipedrop/internal/server"
	"pipedrop/internal/serverutil"
)

const serviceVersion = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	metricsAddr := flag.String("metrics-addr", "", "listen address for the metrics endpoint (empty disables)")
	sinkDepth := flag.Int("relay-sink-depth", 0, "per-receiver chunk queue length (0 uses the default)")
	copyBufferSize := flag.Int("relay-copy-buffer-size", 0, "source read buffer size in bytes (0 uses the default)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	enableLog := flag.Bool("enable-log", true, "enable request and transfer logging")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(serviceVersion)
		return
	}

	var fileCfg *config.Config
	if path := firstNonEmpty(*configPath, os.Getenv("PIPEDROP_CONFIG")); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		fileCfg = loaded
	}

	loggingOn := resolveLoggingToggle(*enableLog, fileCfg)
	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("PIPEDROP_LOG_LEVEL"), fileLogLevel(fileCfg)),
		Format: firstNonEmpty(*logFormat, os.Getenv("PIPEDROP_LOG_FORMAT"), fileLogFormat(fileCfg)),
	})
	if !loggingOn {
		logger = nil
	}

	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("PIPEDROP_ADDR"), fileAddr(fileCfg), ":8080")
	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("PIPEDROP_TLS_CERT"), fileTLSCert(fileCfg))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("PIPEDROP_TLS_KEY"), fileTLSKey(fileCfg))
	metricsListenAddr := firstNonEmpty(*metricsAddr, os.Getenv("PIPEDROP_METRICS_ADDR"), fileMetricsAddr(fileCfg))

	if (tlsCertPath == "") != (tlsKeyPath == "") {
		fmt.Fprintln(os.Stderr, "both -tls-cert and -tls-key must be provided")
		os.Exit(1)
	}

	handler, err := relay.NewHandler(relay.HandlerConfig{
		Version:        serviceVersion,
		HTTPS:          tlsCertPath != "",
		Logger:         logging.WithComponent(logger, "relay"),
		Metrics:        recorder,
		SinkDepth:      firstPositive(resolveInt(*sinkDepth, "PIPEDROP_RELAY_SINK_DEPTH"), fileSinkDepth(fileCfg)),
		CopyBufferSize: firstPositive(resolveInt(*copyBufferSize, "PIPEDROP_RELAY_COPY_BUFFER_SIZE"), fileCopyBufferSize(fileCfg)),
	})
	if err != nil {
		fatal(logger, "failed to initialise relay handler", err)
	}

	srv, err := server.New(handler, server.Config{
		Addr:    listenAddr,
		TLS:     server.TLSConfig{CertFile: tlsCertPath, KeyFile: tlsKeyPath},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		fatal(logger, "failed to initialise server", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	metricsErrs := make(chan error, 1)
	if metricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", recorder.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		go func() {
			metricsErrs <- serverutil.Run(runCtx, serverutil.Config{
				Server: &http.Server{Addr: metricsListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
			})
		}()
		if logger != nil {
			logger.Info("metrics endpoint available", "addr", metricsListenAddr, "path", "/metrics")
		}
	}

	errs := make(chan error, 1)
	go func() {
		if logger != nil {
			logger.Info("pipedrop listening", "addr", listenAddr, "https", tlsCertPath != "")
		}
		errs <- srv.Run(runCtx, nil)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		if logger != nil {
			logger.Info("received shutdown signal", "signal", sig.String())
		}
		cancelRun()
		select {
		case err := <-errs:
			if err != nil && logger != nil {
				logger.Warn("graceful shutdown failed", "error", err)
			}
		case <-time.After(15 * time.Second):
			if logger != nil {
				logger.Warn("graceful shutdown timed out")
			}
		}
	case err := <-errs:
		if err != nil {
			fatal(logger, "server error", err)
		}
	case err := <-metricsErrs:
		if err != nil {
			fatal(logger, "metrics server error", err)
		}
		cancelRun()
	}

	if logger != nil {
		logger.Info("server stopped")
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	if logger != nil {
		logger.Error(msg, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	}
	os.Exit(1)
}

// resolveLoggingToggle resolves the logging switch: an explicit flag wins,
// then the environment, then the config file, then on.
func resolveLoggingToggle(flagValue bool, fileCfg *config.Config) bool {
	if flagPassed("enable-log") {
		return flagValue
	}
	if env, ok := os.LookupEnv("PIPEDROP_ENABLE_LOG"); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fileCfg.LoggingEnabled()
}

func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}

func fileAddr(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Server.Addr
}

func fileTLSCert(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Server.TLSCert
}

func fileTLSKey(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Server.TLSKey
}

func fileMetricsAddr(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Metrics.Addr
}

func fileSinkDepth(cfg *config.Config) int {
	if cfg == nil {
		return 0
	}
	return cfg.Relay.SinkDepth
}

func fileCopyBufferSize(cfg *config.Config) int {
	if cfg == nil {
		return 0
	}
	return cfg.Relay.CopyBufferSize
}

func fileLogLevel(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Logging.Level
}

func fileLogFormat(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Logging.Format
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}
