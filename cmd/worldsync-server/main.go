// worldsync-server hosts games and streams their worlds to viewers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/zeusync/worldsync/internal/config"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/injector"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		transport  string
		address    string
		admin      string
		logLevel   string
		games      []string
	)

	flagSet := pflag.NewFlagSet("worldsync-server", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML configuration file (default: $"+config.EnvConfig+")")
	flagSet.StringVar(&transport, "transport", "", "session transport: quic or websocket")
	flagSet.StringVarP(&address, "address", "a", "", "listen address")
	flagSet.StringVar(&admin, "admin", "", "admin API address, \"off\" disables it")
	flagSet.StringVar(&logLevel, "log", "", "log level: debug, info, warn or error")
	flagSet.StringSliceVar(&games, "game", nil, "game to create at startup (repeatable)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if transport != "" {
		cfg.Server.Transport.Kind = transport
	}
	if address != "" {
		cfg.Server.Transport.Address = address
	}
	switch admin {
	case "":
	case "off":
		cfg.Server.AdminAddress = ""
	default:
		cfg.Server.AdminAddress = admin
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	cfg.Server.Games = append(cfg.Server.Games, games...)
	if err = cfg.Validate(); err != nil {
		return err
	}

	srv, err := injector.InitializeServer(cfg)
	if err != nil {
		return err
	}
	defer srv.Close()
	logger := log.Provide()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stopCh)

	if err = srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	sig := <-stopCh
	logger.Info("Shutting down", log.String("signal", sig.String()))
	cancel()

	stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err = srv.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}
