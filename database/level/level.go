// Package level provides the generic multi-bucket LevelDB foundation used by
// domain-specific stores (see database/tbcd/level). Each "bucket" is its own
// *leveldb.DB rooted under <home>/<bucket>, which keeps locking order and
// transaction scope per-bucket instead of sharing one keyspace.
package level

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hemicore/tbcore/database"
	"github.com/juju/loggo"
	"github.com/syndtr/goleveldb/leveldb"
)

var log = loggo.GetLogger("level")

func init() {
	loggo.ConfigureLoggers("INFO")
}

// Pool maps a bucket name to its open database handle.
type Pool map[string]*leveldb.DB

const metadataVersionKey = "version"

// Database is the generic, bucket-aware LevelDB handle embedded by
// domain-specific stores.
type Database struct {
	home    string
	version int
	pool    Pool
}

// New opens (creating if necessary) one *leveldb.DB per bucket under home
// and records version in the metadata bucket, failing if an existing store
// was created with an incompatible version.
func New(ctx context.Context, home string, version int, buckets ...string) (*Database, error) {
	log.Tracef("New")
	defer log.Tracef("New exit")

	pool := make(Pool, len(buckets)+1)
	for _, b := range buckets {
		db, err := leveldb.OpenFile(filepath.Join(home, b), nil)
		if err != nil {
			return nil, fmt.Errorf("open bucket %v: %w", b, err)
		}
		pool[b] = db
	}
	metaDB, err := leveldb.OpenFile(filepath.Join(home, "metadata"), nil)
	if err != nil {
		return nil, fmt.Errorf("open metadata bucket: %w", err)
	}
	pool["metadata"] = metaDB

	d := &Database{home: home, version: version, pool: pool}

	raw, err := metaDB.Get([]byte(metadataVersionKey), nil)
	switch err {
	case leveldb.ErrNotFound:
		if err := metaDB.Put([]byte(metadataVersionKey), []byte{byte(version)}, nil); err != nil {
			d.Close()
			return nil, fmt.Errorf("write version: %w", err)
		}
	case nil:
		if len(raw) != 1 || int(raw[0]) != version {
			d.Close()
			return nil, fmt.Errorf("incompatible database version: have %v want %v", raw, version)
		}
	default:
		d.Close()
		return nil, fmt.Errorf("read version: %w", err)
	}

	return d, nil
}

// DB returns the bucket pool.
func (d *Database) DB() Pool {
	return d.pool
}

// Version returns the on-disk schema version.
func (d *Database) Version(ctx context.Context) (int, error) {
	return d.version, nil
}

// MetadataGet returns an arbitrary key from the metadata bucket.
func (d *Database) MetadataGet(ctx context.Context, key []byte) ([]byte, error) {
	v, err := d.pool["metadata"].Get(key, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, database.NotFoundError(fmt.Sprintf("metadata key not found: %x", key))
		}
		return nil, fmt.Errorf("metadata get: %w", err)
	}
	return v, nil
}

// MetadataPut writes an arbitrary key to the metadata bucket.
func (d *Database) MetadataPut(ctx context.Context, key, value []byte) error {
	if err := d.pool["metadata"].Put(key, value, nil); err != nil {
		return fmt.Errorf("metadata put: %w", err)
	}
	return nil
}

// Close closes every bucket. Errors are logged, not aggregated; callers
// only need to know shutdown was attempted.
func (d *Database) Close() error {
	log.Tracef("Close")
	defer log.Tracef("Close exit")

	var firstErr error
	for name, db := range d.pool {
		if err := db.Close(); err != nil {
			log.Errorf("close bucket %v: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var _ database.Database = (*Database)(nil)
