package blobstore

import (
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/serial"
)

var (
	_ Store = (*Tiered)(nil)
	_ Store = (*Memory)(nil)
)

// Tiered serves reads from memory and falls back to disk, promoting disk
// hits. Writes go to both tiers.
type Tiered struct {
	memory *Memory
	disk   *Disk
	logger log.Log
}

func NewTiered(memory *Memory, disk *Disk, logger log.Log) *Tiered {
	if logger == nil {
		logger = log.Nop()
	}
	return &Tiered{
		memory: memory,
		disk:   disk,
		logger: logger.With(log.String("component", "blobstore"), log.String("tier", "tiered")),
	}
}

func (t *Tiered) Memory() *Memory { return t.memory }
func (t *Tiered) Disk() *Disk     { return t.disk }

func (t *Tiered) Get(h serial.Hash) ([]byte, bool) {
	if data, ok := t.memory.Get(h); ok {
		return data, true
	}
	data, ok := t.disk.Get(h)
	if !ok {
		return nil, false
	}
	if err := t.memory.Put(h, data); err != nil {
		t.logger.Warn("Failed to promote blob", log.Stringer("hash", h), log.Error(err))
	}
	return data, true
}

func (t *Tiered) Put(h serial.Hash, data []byte) error {
	if err := t.memory.Put(h, data); err != nil {
		return err
	}
	return t.disk.Put(h, data)
}

func (t *Tiered) Has(h serial.Hash) bool {
	return t.memory.Has(h) || t.disk.Has(h)
}

// Stats reports the disk tier's contents with hit counts from both tiers.
func (t *Tiered) Stats() Stats {
	mem := t.memory.Stats()
	disk := t.disk.Stats()
	return Stats{
		Blobs:     disk.Blobs,
		Bytes:     disk.Bytes,
		Pinned:    mem.Pinned,
		Hits:      mem.Hits + disk.Hits,
		Misses:    disk.Misses,
		Evictions: mem.Evictions,
	}
}
