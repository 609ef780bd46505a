package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/zeusync/worldsync/internal/api"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/replication"
	"github.com/zeusync/worldsync/internal/core/scene"
	"github.com/zeusync/worldsync/internal/core/serial"
	"github.com/zeusync/worldsync/internal/core/world"
)

const maxGameNameLength = 64

// defaultTerrainCells is the side of the generated terrain grid used when no
// relief image is configured.
const defaultTerrainCells = 16

// Game is one hosted world with its publisher and terrain.
type Game struct {
	Name      string
	World     *world.World
	Publisher *replication.Publisher
	Terrain   serial.Hash
	Created   time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Info summarizes the game for list_games and the admin API.
func (g *Game) Info() api.GameInfo {
	return api.GameInfo{
		Name:          g.Name,
		Entities:      g.World.Len(),
		Subscriptions: g.Publisher.Subscriptions(),
		Terrain:       g.Terrain,
		Frame:         g.World.FrameCount(),
	}
}

// TerrainSource builds the terrain of a new game.
type TerrainSource func() (*scene.Terrain, error)

// ReliefTerrain loads an 8-bit relief image once and reuses it for every game.
func ReliefTerrain(path string, baseSize, height float64) TerrainSource {
	var (
		once    sync.Once
		terrain *scene.Terrain
		err     error
	)
	return func() (*scene.Terrain, error) {
		once.Do(func() {
			var f *os.File
			if f, err = os.Open(path); err != nil {
				return
			}
			defer f.Close()
			var img image.Image
			if img, _, err = image.Decode(f); err != nil {
				err = fmt.Errorf("decode relief %s: %w", path, err)
				return
			}
			terrain, err = scene.FromRelief(img, baseSize, height)
		})
		return terrain, err
	}
}

// RollingTerrain generates a gentle sine landscape of cells x cells points.
func RollingTerrain(cells int, baseSize, height float64) TerrainSource {
	return func() (*scene.Terrain, error) {
		heights := make([][]float64, cells)
		for y := range heights {
			row := make([]float64, cells)
			for x := range row {
				row[x] = height * 0.5 * (1 + math.Sin(float64(x)/3)*math.Cos(float64(y)/3))
			}
			heights[y] = row
		}
		return scene.NewTerrain(baseSize, heights)
	}
}

// Games owns every hosted game. Each game steps its world in its own
// goroutine until it is closed.
type Games struct {
	encoder      *serial.Encoder
	pinner       replication.Pinner
	terrain      TerrainSource
	tickInterval time.Duration
	logger       log.Log

	mu    sync.RWMutex
	games map[string]*Game
}

func NewGames(encoder *serial.Encoder, pinner replication.Pinner, terrain TerrainSource, tickInterval time.Duration, logger log.Log) *Games {
	if logger == nil {
		logger = log.Nop()
	}
	return &Games{
		encoder:      encoder,
		pinner:       pinner,
		terrain:      terrain,
		tickInterval: tickInterval,
		logger:       logger.With(log.String("component", "games")),
		games:        make(map[string]*Game),
	}
}

// Create starts a new game named name.
func (gs *Games) Create(name string) (*Game, error) {
	if name == "" || len(name) > maxGameNameLength {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGameName, name)
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.games == nil {
		return nil, ErrServerClosed
	}
	if _, exists := gs.games[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrGameExists, name)
	}

	w := world.New(name, world.WithLogger(gs.logger))
	opts := []replication.PublisherOption{replication.WithPublisherLogger(gs.logger)}
	if gs.pinner != nil {
		opts = append(opts, replication.WithPinner(gs.pinner))
	}
	pub := replication.NewPublisher(w, gs.encoder, opts...)

	game := &Game{
		Name:      name,
		World:     w,
		Publisher: pub,
		Created:   time.Now(),
		done:      make(chan struct{}),
	}

	if gs.terrain != nil {
		terrain, err := gs.terrain()
		if err != nil {
			return nil, fmt.Errorf("build terrain for %s: %w", name, err)
		}
		if game.Terrain, err = pub.Keep(terrain); err != nil {
			pub.Close()
			return nil, fmt.Errorf("store terrain for %s: %w", name, err)
		}
		w.SetTerrain(terrain)
	}

	ctx, cancel := context.WithCancel(context.Background())
	game.cancel = cancel
	go func() {
		defer close(game.done)
		if err := w.Run(ctx, gs.tickInterval); err != nil && !errors.Is(err, context.Canceled) {
			gs.logger.Error("World loop failed", log.String("game", name), log.Error(err))
		}
	}()

	gs.games[name] = game
	gs.logger.Info("Game created", log.String("game", name), log.Stringer("terrain", game.Terrain))
	return game, nil
}

func (gs *Games) Get(name string) (*Game, error) {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	game, ok := gs.games[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGameNotFound, name)
	}
	return game, nil
}

// List returns every game sorted by name.
func (gs *Games) List() []*Game {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	out := make([]*Game, 0, len(gs.games))
	for _, g := range gs.games {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (gs *Games) Len() int {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return len(gs.games)
}

// Close stops every world loop and releases the publishers' pins. No game
// can be created afterwards.
func (gs *Games) Close() {
	gs.mu.Lock()
	games := gs.games
	gs.games = nil
	gs.mu.Unlock()

	for _, g := range games {
		g.cancel()
		<-g.done
		g.Publisher.Close()
	}
}
