package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zeusync/worldsync/internal/api"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
	"github.com/zeusync/worldsync/internal/core/replication"
	"github.com/zeusync/worldsync/internal/core/rpc"
	"github.com/zeusync/worldsync/internal/core/scene"
	"github.com/zeusync/worldsync/internal/core/serial"
	"github.com/zeusync/worldsync/internal/core/world"
)

// maxHashesPerRequest bounds get_dependencies and get_resources requests.
const maxHashesPerRequest = 4096

// Service implements the control methods on top of the hosted games. Update
// and resource channels it starts are tied to the context of the request that
// opened them and end with the caller's session.
type Service struct {
	games          *Games
	models         *ModelLibrary
	fetcher        replication.Fetcher
	updateInterval time.Duration
	logger         log.Log

	streams sync.WaitGroup
}

func NewService(games *Games, models *ModelLibrary, encoder *serial.Encoder, updateInterval time.Duration, logger log.Log) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		games:          games,
		models:         models,
		fetcher:        replication.EncoderFetcher{Encoder: encoder},
		updateInterval: updateInterval,
		logger:         logger.With(log.String("component", "service")),
	}
}

// Register installs every control method on srv.
func (s *Service) Register(srv *rpc.Server) {
	srv.Handle(api.MethodListGames, rpc.Typed(s.listGames))
	srv.Handle(api.MethodCreateGame, rpc.Typed(s.createGame))
	srv.Handle(api.MethodCreateStaticObject, rpc.Typed(s.createStaticObject))
	srv.Handle(api.MethodGetTerrain, rpc.Typed(s.getTerrain))
	srv.Handle(api.MethodGetDependencies, rpc.Typed(s.getDependencies))
	srv.Handle(api.MethodGetResources, rpc.Typed(s.getResources))
	srv.Handle(api.MethodOpenUpdateChannel, rpc.Typed(s.openUpdateChannel))
	srv.Handle(api.MethodListModels, rpc.Typed(s.listModels))
}

// Wait blocks until every stream started by the service has ended.
func (s *Service) Wait() {
	s.streams.Wait()
}

func (s *Service) listGames(_ context.Context, _ struct{}) (api.GamesResult, error) {
	games := s.games.List()
	out := api.GamesResult{Games: make([]api.GameInfo, 0, len(games))}
	for _, g := range games {
		out.Games = append(out.Games, g.Info())
	}
	return out, nil
}

func (s *Service) createGame(_ context.Context, p api.GameParams) (api.GameInfo, error) {
	game, err := s.games.Create(p.Game)
	if err != nil {
		return api.GameInfo{}, rpcError(err)
	}
	return game.Info(), nil
}

func (s *Service) createStaticObject(_ context.Context, p api.CreateStaticObjectParams) (api.CreateStaticObjectResult, error) {
	game, err := s.games.Get(p.Game)
	if err != nil {
		return api.CreateStaticObjectResult{}, rpcError(err)
	}
	model, ok := s.models.Get(p.Model)
	if !ok {
		return api.CreateStaticObjectResult{}, rpc.Errorf(rpc.CodeNotFound, "%v: %s", ErrModelNotFound, p.Model)
	}

	id := game.World.Spawn(model, world.State{
		Position:        p.Position,
		Velocity:        p.Velocity,
		Rotation:        scene.IdentityQuaternion,
		AngularVelocity: scene.Quaternion{},
	})
	s.logger.Info("Static object created",
		log.String("game", game.Name),
		log.String("model", p.Model),
		log.Stringer("entity_id", id))
	return api.CreateStaticObjectResult{EntityID: id.String()}, nil
}

func (s *Service) getTerrain(_ context.Context, p api.GameParams) (api.TerrainResult, error) {
	game, err := s.games.Get(p.Game)
	if err != nil {
		return api.TerrainResult{}, rpcError(err)
	}
	if game.Terrain.IsZero() {
		return api.TerrainResult{}, rpc.Errorf(rpc.CodeNotFound, "game %s has no terrain", game.Name)
	}
	return api.TerrainResult{Hash: game.Terrain}, nil
}

func (s *Service) getDependencies(ctx context.Context, p api.HashesParams) (api.HashesResult, error) {
	if len(p.Hashes) > maxHashesPerRequest {
		return api.HashesResult{}, rpc.Errorf(rpc.CodeInvalidParams, "%d hashes requested, at most %d allowed", len(p.Hashes), maxHashesPerRequest)
	}
	deps, err := s.fetcher.Dependencies(ctx, p.Hashes)
	if err != nil {
		return api.HashesResult{}, err
	}
	if deps == nil {
		deps = []serial.Hash{}
	}
	return api.HashesResult{Hashes: deps}, nil
}

// getResources opens a channel on the caller's session and streams one
// message per requested hash, in request order, then closes it.
func (s *Service) getResources(ctx context.Context, p api.HashesParams) (api.ChannelResult, error) {
	if len(p.Hashes) > maxHashesPerRequest {
		return api.ChannelResult{}, rpc.Errorf(rpc.CodeInvalidParams, "%d hashes requested, at most %d allowed", len(p.Hashes), maxHashesPerRequest)
	}
	ch, err := s.openChannel(ctx)
	if err != nil {
		return api.ChannelResult{}, err
	}

	blobs, err := s.fetcher.Resources(ctx, p.Hashes)
	if err != nil {
		_ = ch.Close()
		return api.ChannelResult{}, err
	}

	s.streams.Add(1)
	go func() {
		defer s.streams.Done()
		defer ch.Close()

		var msg []byte
		for _, h := range p.Hashes {
			msg = api.AppendResource(msg[:0], h, blobs[h])
			if err := ch.Send(ctx, msg); err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("Resource stream aborted", log.Stringer("channel_id", ch.ID()), log.Error(err))
				}
				return
			}
		}
		s.logger.Debug("Resources sent", log.Stringer("channel_id", ch.ID()), log.Int("hashes", len(p.Hashes)), log.Int("found", len(blobs)))
	}()

	return api.ChannelResult{Channel: ch.ID().String()}, nil
}

// openUpdateChannel starts a subscription to the game on a new channel. It
// runs until the viewer closes the channel or its session ends.
func (s *Service) openUpdateChannel(ctx context.Context, p api.GameParams) (api.ChannelResult, error) {
	game, err := s.games.Get(p.Game)
	if err != nil {
		return api.ChannelResult{}, rpcError(err)
	}
	ch, err := s.openChannel(ctx)
	if err != nil {
		return api.ChannelResult{}, err
	}

	sub := game.Publisher.Subscribe(ch, s.updateInterval)
	s.streams.Add(1)
	go func() {
		defer s.streams.Done()
		if err := sub.Run(ctx); err != nil {
			s.logger.Error("Update channel torn down",
				log.String("game", game.Name),
				log.Stringer("channel_id", ch.ID()),
				log.Error(err))
		}
	}()

	s.logger.Info("Update channel opened", log.String("game", game.Name), log.Stringer("channel_id", ch.ID()))
	return api.ChannelResult{Channel: ch.ID().String()}, nil
}

func (s *Service) listModels(_ context.Context, _ struct{}) (api.ModelsResult, error) {
	return api.ModelsResult{Models: s.models.Names()}, nil
}

func (s *Service) openChannel(ctx context.Context) (protocol.Channel, error) {
	session, ok := rpc.SessionFromContext(ctx)
	if !ok {
		return nil, rpc.Errorf(rpc.CodeInternal, "request has no session")
	}
	return session.OpenChannel(ctx, protocol.NewChannelID())
}

// rpcError maps server errors to the codes callers can branch on.
func rpcError(err error) error {
	switch {
	case errors.Is(err, ErrGameNotFound), errors.Is(err, ErrModelNotFound):
		return rpc.Errorf(rpc.CodeNotFound, "%v", err)
	case errors.Is(err, ErrGameExists):
		return rpc.Errorf(rpc.CodeConflict, "%v", err)
	case errors.Is(err, ErrInvalidGameName):
		return rpc.Errorf(rpc.CodeInvalidParams, "%v", err)
	default:
		return err
	}
}
