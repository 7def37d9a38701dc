package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/quicsock/quicsock/logger"
	"github.com/quicsock/quicsock/server"
)

var (
	Version   = "DEV"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "quicsock",
		Usage:   "Real-time bidirectional messaging server over QUIC",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		Flags:   flags(),
		Action:  run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Usage: "UDP address to listen on",
			Value: "127.0.0.1:4433",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "Server name announced to clients",
			Value: "QUIC WebSocket Server",
		},
		&cli.IntFlag{
			Name:  "max-clients",
			Usage: "Maximum number of concurrent sessions",
			Value: 1000,
		},
		&cli.StringFlag{
			Name:  "cert",
			Usage: "Path to the PEM certificate chain",
			Value: "cert.pem",
		},
		&cli.StringFlag{
			Name:  "key",
			Usage: "Path to the PKCS#8 private key",
			Value: "key.pem",
		},
		&cli.StringFlag{
			Name:  "mode",
			Usage: "Wire mode: native or http3",
			Value: string(server.ModeHTTP3),
		},
		&cli.StringFlag{
			Name:  "metrics",
			Usage: "Optional TCP address for the Prometheus /metrics listener",
		},
		&cli.StringFlag{
			Name:  logger.LogLevelFlag,
			Usage: "Minimum log level: debug, info, warn, error, fatal",
			Value: "info",
		},
		&cli.StringFlag{
			Name:  logger.LogFileFlag,
			Usage: "Write logs to this file, in addition to the console",
		},
		&cli.StringFlag{
			Name:  logger.LogDirectoryFlag,
			Usage: "Write rolling logs into this directory",
		},
		&cli.BoolFlag{
			Name:    logger.VerboseFlag,
			Aliases: []string{"v"},
			Usage:   "Shorthand for --log-level debug",
		},
	}
}

func run(c *cli.Context) error {
	log := logger.CreateLoggerFromContext(c)

	srv, err := server.New(server.Config{
		Addr:        c.String("addr"),
		ServerName:  c.String("name"),
		MaxSessions: c.Int("max-clients"),
		CertPath:    c.String("cert"),
		KeyPath:     c.String("key"),
		Mode:        server.Mode(c.String("mode")),
		MetricsAddr: c.String("metrics"),
	}, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start server")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutdown signal received")
		srv.Shutdown()
	}()

	return srv.Serve(ctx)
}
