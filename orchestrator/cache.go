package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/maastricht-university/soundscan/identification"
	"github.com/maastricht-university/soundscan/worker"
)

// Cache remembers per-file results across scans. An entry is only reused
// while the file's size and modification time are unchanged and the scan
// options hash to the same digest.
type Cache struct {
	db *badger.DB
}

type cacheEntry struct {
	Mode       identification.Mode        `msgpack:"mode"`
	Detections []identification.Detection `msgpack:"detections"`
}

// OpenCache opens (or creates) a cache in dir. An empty dir keeps the cache
// in memory.
func OpenCache(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", dir, err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Digest identifies the options and model a result depends on.
func Digest(model string, opts worker.Options) (string, error) {
	b, err := msgpack.Marshal(struct {
		Model          string
		Mode           identification.Mode
		Identification identification.Options
		NoiseFloor     float64
	}{model, opts.Mode, opts.Identification, opts.NoiseFloor})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func cacheKey(path, digest string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := digest + "\x00" + path + "\x00" +
		strconv.FormatInt(info.Size(), 10) + "\x00" +
		strconv.FormatInt(info.ModTime().UnixNano(), 10)
	return []byte(key), nil
}

// Get returns the cached result for path, if any.
func (c *Cache) Get(path, digest string) (identification.Result, bool, error) {
	key, err := cacheKey(path, digest)
	if err != nil {
		// the worker will report the unreadable file
		return nil, false, nil
	}
	var e cacheEntry
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return msgpack.Unmarshal(v, &e) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", path, err)
	}
	return identification.FromDetections(e.Mode, e.Detections), true, nil
}

// Put stores the result for path.
func (c *Cache) Put(path, digest string, r identification.Result) error {
	key, err := cacheKey(path, digest)
	if err != nil {
		return err
	}
	v, err := msgpack.Marshal(cacheEntry{Mode: r.Mode(), Detections: r.Detections()})
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error { return txn.Set(key, v) })
}
