package blobstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/serial"
)

var _ Store = (*Disk)(nil)

var ErrPathRequired = errors.New("blobstore: path is required")

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	hash        BLOB PRIMARY KEY,
	data        BLOB NOT NULL,
	size        INTEGER NOT NULL,
	accessed_at INTEGER NOT NULL
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS blobs_accessed_at ON blobs (accessed_at);
`

// DiskConfig opens a Disk store. Timeout bounds the context-free Get and
// Put used through serial.BlobStore.
type DiskConfig struct {
	Path     string
	PoolSize int
	Timeout  time.Duration
}

// Disk is a persistent blob store in a SQLite database, used as the
// viewer's asset cache so blobs survive restarts.
type Disk struct {
	pool    *sqlitex.Pool
	path    string
	timeout time.Duration
	logger  log.Log

	hits   atomic.Uint64
	misses atomic.Uint64
}

func OpenDisk(config DiskConfig, logger log.Log) (*Disk, error) {
	if config.Path == "" {
		return nil, ErrPathRequired
	}
	if logger == nil {
		logger = log.Nop()
	}
	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	pool, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: opening %s: %w", config.Path, err)
	}

	d := &Disk{
		pool:    pool,
		path:    config.Path,
		timeout: timeout,
		logger:  logger.With(log.String("component", "blobstore"), log.String("tier", "disk")),
	}
	d.logger.Info("Disk blob store opened", log.String("path", config.Path), log.Int("pool_size", poolSize))
	return d, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("blobstore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("blobstore: schema: %w", err)
	}
	return nil
}

func (d *Disk) Close() error {
	if err := d.pool.Close(); err != nil {
		return fmt.Errorf("blobstore: closing %s: %w", d.path, err)
	}
	d.logger.Info("Disk blob store closed", log.String("path", d.path))
	return nil
}

// GetContext reads a blob and refreshes its access time.
func (d *Disk) GetContext(ctx context.Context, h serial.Hash) ([]byte, bool, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("blobstore: get: %w", err)
	}
	defer d.pool.Put(conn)

	var data []byte
	found := false
	err = sqlitex.Execute(conn, `SELECT data FROM blobs WHERE hash = ?`, &sqlitex.ExecOptions{
		Args: []any{h[:]},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			data = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, data)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("blobstore: get %s: %w", h, err)
	}
	if !found {
		d.misses.Add(1)
		return nil, false, nil
	}
	d.hits.Add(1)

	err = sqlitex.Execute(conn, `UPDATE blobs SET accessed_at = ? WHERE hash = ?`, &sqlitex.ExecOptions{
		Args: []any{time.Now().UnixNano(), h[:]},
	})
	if err != nil {
		d.logger.Warn("Failed to touch blob", log.Stringer("hash", h), log.Error(err))
	}
	return data, true, nil
}

// PutContext inserts a blob. Existing hashes are left untouched.
func (d *Disk) PutContext(ctx context.Context, h serial.Hash, data []byte) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("blobstore: put: %w", err)
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO blobs (hash, data, size, accessed_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{h[:], data, len(data), time.Now().UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("blobstore: put %s: %w", h, err)
	}
	return nil
}

func (d *Disk) Get(h serial.Hash) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	data, ok, err := d.GetContext(ctx, h)
	if err != nil {
		d.logger.Error("Disk read failed", log.Stringer("hash", h), log.Error(err))
		return nil, false
	}
	return data, ok
}

func (d *Disk) Put(h serial.Hash, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	return d.PutContext(ctx, h, data)
}

func (d *Disk) Has(h serial.Hash) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	conn, err := d.pool.Take(ctx)
	if err != nil {
		return false
	}
	defer d.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn, `SELECT 1 FROM blobs WHERE hash = ?`, &sqlitex.ExecOptions{
		Args: []any{h[:]},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return err == nil && found
}

func (d *Disk) Delete(ctx context.Context, h serial.Hash) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("blobstore: delete: %w", err)
	}
	defer d.pool.Put(conn)
	return sqlitex.Execute(conn, `DELETE FROM blobs WHERE hash = ?`, &sqlitex.ExecOptions{
		Args: []any{h[:]},
	})
}

// Prune deletes least recently accessed blobs until the total size is at
// most maxBytes. It returns how many blobs were removed.
func (d *Disk) Prune(ctx context.Context, maxBytes int64) (n int, err error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("blobstore: prune: %w", err)
	}
	defer d.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("blobstore: prune: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var total int64
	err = sqlitex.Execute(conn, `SELECT COALESCE(SUM(size), 0) FROM blobs`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			total = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, err
	}

	var victims [][]byte
	err = sqlitex.Execute(conn, `SELECT hash, size FROM blobs ORDER BY accessed_at ASC`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if total <= maxBytes {
				return nil
			}
			h := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, h)
			victims = append(victims, h)
			total -= stmt.ColumnInt64(1)
			return nil
		},
	})
	if err != nil {
		return 0, err
	}

	for _, h := range victims {
		if err = sqlitex.Execute(conn, `DELETE FROM blobs WHERE hash = ?`, &sqlitex.ExecOptions{
			Args: []any{h},
		}); err != nil {
			return 0, err
		}
	}
	if len(victims) > 0 {
		d.logger.Info("Pruned disk blob store", log.Int("removed", len(victims)), log.Int64("bytes", total))
	}
	return len(victims), nil
}

func (d *Disk) Stats() Stats {
	s := Stats{Hits: d.hits.Load(), Misses: d.misses.Load()}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return s
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM blobs`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			s.Blobs = stmt.ColumnInt(0)
			s.Bytes = stmt.ColumnInt64(1)
			return nil
		},
	})
	if err != nil {
		d.logger.Warn("Failed to read disk stats", log.Error(err))
	}
	return s
}
