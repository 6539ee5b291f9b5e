package main

import (
	"crypto/tls"
	"flag"
	"net"
	"net/http"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"petrel/internal/auth"
	"petrel/internal/conf"
	"petrel/internal/metrics"
	"petrel/internal/server"
	"petrel/internal/smtp"
	"petrel/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	cfg, err := conf.LoadConfig(*configPath)
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger = leveledLogger(logger, cfg.LogLevel)

	authenticator, err := auth.FromConfig(cfg)
	if err != nil {
		fatal(logger, "auth backend", err)
	}

	store := storage.NewStore(cfg.StorageRoot)

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		collector = metrics.NewPrometheusCollector(registry)
		go serveMetrics(logger, cfg.Metrics, registry)
	}

	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fatal(logger, "load TLS keypair", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	imapServer := server.NewIMAPServer(store, authenticator, server.Options{
		Hostname:  cfg.Domain,
		TLSConfig: tlsConfig,
		Logger:    log.With(logger, "service", "imap"),
		Metrics:   collector,
	})

	// plain IMAP with STARTTLS
	go func() {
		ln, err := net.Listen("tcp", cfg.IMAP.Address)
		if err != nil {
			fatal(logger, "imap listen", err)
		}
		level.Info(logger).Log("msg", "imap listening", "addr", cfg.IMAP.Address)
		if err := imapServer.Serve(ln); err != nil {
			fatal(logger, "imap serve", err)
		}
	}()

	// implicit TLS IMAP
	if tlsConfig != nil && cfg.IMAP.TLSAddress != "" {
		go func() {
			ln, err := tls.Listen("tcp", cfg.IMAP.TLSAddress, tlsConfig)
			if err != nil {
				fatal(logger, "imaps listen", err)
			}
			level.Info(logger).Log("msg", "imaps listening", "addr", cfg.IMAP.TLSAddress)
			if err := imapServer.Serve(ln); err != nil {
				fatal(logger, "imaps serve", err)
			}
		}()
	}

	backend := smtp.NewBackend(store, authenticator, cfg.Domain, smtp.Options{
		Logger:  log.With(logger, "service", "smtp"),
		Metrics: collector,
	})
	smtpServer := smtp.NewServer(backend, smtp.ServerConfig{
		Addr:            cfg.SMTP.Address,
		Domain:          cfg.Domain,
		MaxMessageBytes: cfg.SMTP.MaxMessageKiB * 1024,
		MaxRecipients:   cfg.SMTP.MaxRecipients,
		TLSConfig:       tlsConfig,
	})

	level.Info(logger).Log("msg", "smtp listening", "addr", cfg.SMTP.Address)
	if err := smtpServer.ListenAndServe(); err != nil {
		fatal(logger, "smtp serve", err)
	}
}

func serveMetrics(logger log.Logger, cfg conf.MetricsConfig, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	level.Info(logger).Log("msg", "metrics listening", "addr", cfg.Address, "path", cfg.Path)
	if err := http.ListenAndServe(cfg.Address, mux); err != nil {
		level.Error(logger).Log("msg", "metrics server failed", "err", err)
	}
}

func leveledLogger(logger log.Logger, lvl string) log.Logger {
	switch lvl {
	case "debug":
		return level.NewFilter(logger, level.AllowDebug())
	case "warn":
		return level.NewFilter(logger, level.AllowWarn())
	case "error":
		return level.NewFilter(logger, level.AllowError())
	default:
		return level.NewFilter(logger, level.AllowInfo())
	}
}

func fatal(logger log.Logger, what string, err error) {
	level.Error(logger).Log("msg", what+" failed", "err", err)
	os.Exit(1)
}
