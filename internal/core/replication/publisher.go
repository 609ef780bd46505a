package replication

import (
	"fmt"
	"sync"
	"time"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/serial"
	"github.com/zeusync/worldsync/internal/core/world"
)

// Pinner keeps blobs from being evicted while something still refers to
// them. blobstore.Memory implements it.
type Pinner interface {
	Pin(hashes ...serial.Hash)
	Unpin(hashes ...serial.Hash)
}

// Entry is one entity of a published snapshot with its model stored.
type Entry struct {
	ID    world.EntityID
	Model serial.Hash
	State world.State
}

// Snapshot is a world snapshot whose models have been stored as blobs.
type Snapshot struct {
	Frame   uint64
	Time    time.Time
	Entries []Entry
}

type storedModel struct {
	version uint64
	hash    serial.Hash
	pinned  []serial.Hash
}

// Publisher turns snapshots of one world into stored snapshots shared by
// every subscription of that world. Model hashes are cached per entity and
// recomputed only when the entity's model changes.
type Publisher struct {
	world   *world.World
	encoder *serial.Encoder
	pinner  Pinner
	logger  log.Log

	mu     sync.Mutex
	models map[world.EntityID]storedModel
	kept   map[serial.Hash][]serial.Hash

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
}

type PublisherOption func(*Publisher)

// WithPinner pins the blobs of live models and kept values.
func WithPinner(p Pinner) PublisherOption {
	return func(pub *Publisher) { pub.pinner = p }
}

func WithPublisherLogger(l log.Log) PublisherOption {
	return func(pub *Publisher) { pub.logger = l }
}

func NewPublisher(w *world.World, encoder *serial.Encoder, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		world:   w,
		encoder: encoder,
		models:  make(map[world.EntityID]storedModel),
		kept:    make(map[serial.Hash][]serial.Hash),
		subs:    make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.Nop()
	}
	p.logger = p.logger.With(log.String("component", "publisher"), log.String("world", w.Name()))
	return p
}

func (p *Publisher) World() *world.World {
	return p.world
}

func (p *Publisher) Encoder() *serial.Encoder {
	return p.encoder
}

// Keep stores v and pins it with its dependencies until the publisher is
// closed. Terrain is published this way.
func (p *Publisher) Keep(v any) (serial.Hash, error) {
	h, pinned, err := p.store(v)
	if err != nil {
		return serial.Hash{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.kept[h]; ok {
		p.unpin(pinned)
		return h, nil
	}
	p.kept[h] = pinned
	return h, nil
}

// Snapshot copies the world and stores the model of every entity whose model
// is new or changed since the last call.
func (p *Publisher) Snapshot() (Snapshot, error) {
	ws := p.world.Snapshot()
	out := Snapshot{
		Frame:   ws.Frame,
		Time:    ws.Time,
		Entries: make([]Entry, 0, len(ws.Entities)),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	live := make(map[world.EntityID]struct{}, len(ws.Entities))
	for _, e := range ws.Entities {
		live[e.ID] = struct{}{}
		stored, ok := p.models[e.ID]
		if !ok || stored.version != e.ModelVersion {
			h, pinned, err := p.store(e.Model)
			if err != nil {
				return Snapshot{}, fmt.Errorf("store model of %s: %w", e.ID, err)
			}
			if ok {
				p.unpin(stored.pinned)
			}
			stored = storedModel{version: e.ModelVersion, hash: h, pinned: pinned}
			p.models[e.ID] = stored
			p.logger.Debug("Model stored", log.Stringer("entity_id", e.ID), log.Stringer("hash", h))
		}
		out.Entries = append(out.Entries, Entry{ID: e.ID, Model: stored.hash, State: e.State})
	}

	for id, stored := range p.models {
		if _, ok := live[id]; !ok {
			p.unpin(stored.pinned)
			delete(p.models, id)
		}
	}
	return out, nil
}

// store stores v and returns the pins it took. Every blob of v is pinned
// before it is put, so a tight budget cannot evict a dependency while the
// rest of v is still being stored.
func (p *Publisher) store(v any) (serial.Hash, []serial.Hash, error) {
	if p.pinner == nil {
		h, err := p.encoder.Store(v)
		return h, nil, err
	}
	var pinned []serial.Hash
	h, err := p.encoder.StoreHeld(v, func(blob serial.Hash) {
		p.pinner.Pin(blob)
		pinned = append(pinned, blob)
	})
	if err != nil {
		p.unpin(pinned)
		return serial.Hash{}, nil, err
	}
	return h, pinned, nil
}

func (p *Publisher) unpin(hashes []serial.Hash) {
	if p.pinner != nil && len(hashes) > 0 {
		p.pinner.Unpin(hashes...)
	}
}

// Subscriptions is the number of running subscriptions.
func (p *Publisher) Subscriptions() int {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	return len(p.subs)
}

func (p *Publisher) track(s *Subscription) {
	p.subsMu.Lock()
	p.subs[s] = struct{}{}
	p.subsMu.Unlock()
}

func (p *Publisher) untrack(s *Subscription) {
	p.subsMu.Lock()
	delete(p.subs, s)
	p.subsMu.Unlock()
}

// Close releases every pin held by the publisher.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, stored := range p.models {
		p.unpin(stored.pinned)
		delete(p.models, id)
	}
	for h, pinned := range p.kept {
		p.unpin(pinned)
		delete(p.kept, h)
	}
}
