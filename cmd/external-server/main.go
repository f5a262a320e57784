// Command external-server is the cloud-side endpoint of the Fleet
// Protocol.
//
// It hosts one session per configured car: accepts statuses from the
// car's module gateway over MQTT, forwards them to the per-module
// handler libraries, and delivers the commands those libraries produce
// back to the car with delivery accounting.
//
// Usage:
//
//	external-server [flags] <config.json>
//
// Flags:
//
//	--tls          Connect to the broker with mutual TLS
//	--ca <path>    CA certificate file (with --tls)
//	--cert <path>  Client certificate file (with --tls)
//	--key <path>   Client private key file (with --tls)
//
// The process exits 0 on a clean stop of every car session and
// non-zero on a configuration error, a fatal initialisation failure or
// an unrecoverable session error in any car.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bringauto/external-server/pkg/config"
	"github.com/bringauto/external-server/pkg/log"
	"github.com/bringauto/external-server/pkg/mqtt"
	"github.com/bringauto/external-server/pkg/server"
)

var (
	useTLS   = flag.Bool("tls", false, "connect to the broker with mutual TLS")
	caPath   = flag.String("ca", "", "CA certificate file")
	certPath = flag.String("cert", "", "client certificate file")
	keyPath  = flag.String("key", "", "client private key file")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <config.json>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}

	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	tlsCfg, err := loadTLS()
	if err != nil {
		logger.Error("tls setup failed", "error", err)
		return 2
	}

	sup, err := server.NewSupervisor(cfg, server.SupervisorOptions{
		TLS:               tlsCfg,
		Logger:            logger,
		NewProtocolLogger: protocolLoggers(cfg.Logging.ProtocolLogDir, logger),
	})
	if err != nil {
		logger.Error("initialisation failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("external server starting", "company", cfg.CompanyName, "cars", len(cfg.Cars))
	if err := sup.Run(ctx); err != nil {
		logger.Error("external server finished with errors", "error", err)
		return 1
	}
	logger.Info("external server stopped")
	return 0
}

func loadTLS() (*tls.Config, error) {
	if !*useTLS {
		return nil, nil
	}
	if *caPath == "" || *certPath == "" || *keyPath == "" {
		return nil, fmt.Errorf("--tls requires --ca, --cert and --key")
	}
	return mqtt.NewTLSConfig(mqtt.TLSFiles{
		CAPath:   *caPath,
		CertPath: *certPath,
		KeyPath:  *keyPath,
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// protocolLoggers builds the per-car protocol event logger factory;
// nil when protocol capture is not configured.
func protocolLoggers(dir string, logger *slog.Logger) func(company, car string) log.Logger {
	if dir == "" {
		return nil
	}
	return func(company, car string) log.Logger {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.flog", company, car))
		fl, err := log.NewFileLogger(path)
		if err != nil {
			logger.Warn("protocol log disabled for car", "car", car, "error", err)
			return log.NoopLogger{}
		}
		return fl
	}
}
