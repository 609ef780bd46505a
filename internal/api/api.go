// Package api declares the control methods a worldsync server serves and the
// CBOR shapes of their parameters and results.
package api

import (
	"fmt"

	"github.com/zeusync/worldsync/internal/core/scene"
	"github.com/zeusync/worldsync/internal/core/serial"
)

const (
	MethodListGames          = "list_games"
	MethodCreateGame         = "create_game"
	MethodCreateStaticObject = "create_static_object"
	MethodGetTerrain         = "get_terrain"
	MethodGetDependencies    = "get_dependencies"
	MethodGetResources       = "get_resources"
	MethodOpenUpdateChannel  = "open_update_channel"
	MethodListModels         = "list_models"
)

type GameParams struct {
	Game string `cbor:"game"`
}

// GameInfo is also served as JSON by the admin API.
type GameInfo struct {
	Name          string      `cbor:"name" json:"name"`
	Entities      int         `cbor:"entities" json:"entities"`
	Subscriptions int         `cbor:"subscriptions" json:"subscriptions"`
	Terrain       serial.Hash `cbor:"terrain" json:"terrain"`
	Frame         uint64      `cbor:"frame" json:"frame"`
}

type GamesResult struct {
	Games []GameInfo `cbor:"games"`
}

type CreateStaticObjectParams struct {
	Game     string        `cbor:"game"`
	Model    string        `cbor:"model"`
	Position scene.Vector3 `cbor:"position"`
	Velocity scene.Vector3 `cbor:"velocity"`
}

type CreateStaticObjectResult struct {
	// EntityID is the entity's id in its canonical text form.
	EntityID string `cbor:"entity_id"`
}

type TerrainResult struct {
	Hash serial.Hash `cbor:"hash"`
}

type HashesParams struct {
	Hashes []serial.Hash `cbor:"hashes"`
}

type HashesResult struct {
	Hashes []serial.Hash `cbor:"hashes"`
}

// ChannelResult names a channel the server opened on the caller's session.
// The caller claims it with AcceptChannel.
type ChannelResult struct {
	Channel string `cbor:"channel"`
}

type ModelsResult struct {
	Models []string `cbor:"models"`
}

// AppendResource builds one get_resources message: the hash followed by the
// blob bytes. A blob the server does not hold is sent as the bare hash.
func AppendResource(dst []byte, h serial.Hash, data []byte) []byte {
	dst = append(dst, h[:]...)
	return append(dst, data...)
}

// ParseResource splits a get_resources message. found is false for a bare
// hash.
func ParseResource(msg []byte) (h serial.Hash, data []byte, found bool, err error) {
	if len(msg) < serial.HashSize {
		return h, nil, false, fmt.Errorf("resource message of %d bytes is shorter than a hash", len(msg))
	}
	copy(h[:], msg[:serial.HashSize])
	data = msg[serial.HashSize:]
	return h, data, len(data) > 0, nil
}
