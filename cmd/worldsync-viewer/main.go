// worldsync-viewer connects to a server, mirrors one game and periodically
// logs what it holds. It renders nothing; it is the reference consumer of the
// update stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/zeusync/worldsync/internal/config"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/replication"
	"github.com/zeusync/worldsync/internal/core/scene"
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
		game       string
		cachePath  string
		logLevel   string
		spawn      string
		velocity   float32
	)

	flagSet := pflag.NewFlagSet("worldsync-viewer", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML configuration file (default: $"+config.EnvConfig+")")
	flagSet.StringVar(&transport, "transport", "", "session transport: quic or websocket")
	flagSet.StringVarP(&address, "address", "a", "", "server address")
	flagSet.StringVarP(&game, "game", "g", "", "game to watch, created if missing")
	flagSet.StringVar(&cachePath, "cache", "", "blob cache file, \"off\" keeps blobs in memory")
	flagSet.StringVar(&logLevel, "log", "", "log level: debug, info, warn or error")
	flagSet.StringVar(&spawn, "spawn", "", "library model to spawn before watching")
	flagSet.Float32Var(&velocity, "velocity", 0, "x velocity of the spawned object")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if transport != "" {
		cfg.Viewer.Transport.Kind = transport
	}
	if address != "" {
		cfg.Viewer.Transport.Address = address
	}
	if game != "" {
		cfg.Viewer.Game = game
	}
	switch cachePath {
	case "":
	case "off":
		cfg.Viewer.CachePath = ""
	default:
		cfg.Viewer.CachePath = cachePath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err = cfg.Validate(); err != nil {
		return err
	}
	if cfg.Viewer.CachePath != "" {
		if err = os.MkdirAll(filepath.Dir(cfg.Viewer.CachePath), 0o755); err != nil {
			return fmt.Errorf("create cache directory: %w", err)
		}
	}

	viewer, err := injector.InitializeViewer(cfg)
	if err != nil {
		return err
	}
	defer viewer.Client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return watch(ctx, viewer, spawn, scene.Vector3{X: velocity})
}

func watch(ctx context.Context, viewer *injector.Viewer, spawn string, velocity scene.Vector3) error {
	c, logger, game := viewer.Client, viewer.Logger, viewer.Config.Game

	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.EnsureGame(ctx, game); err != nil {
		return err
	}

	terrain, err := c.Terrain(ctx, game)
	if err != nil {
		return fmt.Errorf("load terrain: %w", err)
	}
	logger.Info("Terrain loaded",
		log.String("game", game),
		log.Int("columns", terrain.Columns()),
		log.Int("rows", terrain.Rows()))

	if spawn != "" {
		id, err := c.CreateStaticObject(ctx, game, spawn, scene.Vector3{}, velocity)
		if err != nil {
			return fmt.Errorf("spawn %s: %w", spawn, err)
		}
		logger.Info("Object spawned", log.String("model", spawn), log.Stringer("entity_id", id))
	}

	interval := viewer.Config.ReportInterval
	var lastReport time.Time
	err = c.Watch(ctx, game, func(frame replication.Frame, mirror *replication.Mirror) error {
		if time.Since(lastReport) < interval {
			return nil
		}
		lastReport = time.Now()
		report(logger, game, frame, mirror)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Viewer stopped", log.Uint64("resyncs", c.Resyncs()))
	return nil
}

func report(logger log.Log, game string, frame replication.Frame, mirror *replication.Mirror) {
	entities := mirror.Entities()
	resolved, triangles := 0, 0
	for _, e := range entities {
		if !e.Resolved {
			continue
		}
		resolved++
		if c, ok := e.Model.(*scene.Container); ok {
			for _, m := range c.Meshes() {
				triangles += len(m.Triangles)
			}
		}
	}
	logger.Info("Mirror",
		log.String("game", game),
		log.Time("frame_time", frame.Time()),
		log.Uint64("frames", mirror.Frames()),
		log.Int("entities", len(entities)),
		log.Int("resolved", resolved),
		log.Int("triangles", triangles))
}
