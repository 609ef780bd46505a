package blobstore

import (
	"github.com/zeusync/worldsync/internal/core/serial"
)

// Store is a serial.BlobStore that can also report on itself.
type Store interface {
	serial.BlobStore
	Has(h serial.Hash) bool
	Stats() Stats
}

type Stats struct {
	Blobs     int    `json:"blobs"`
	Bytes     int64  `json:"bytes"`
	Pinned    int    `json:"pinned"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}
