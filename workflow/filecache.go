package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// FileCache is the persisted cache backend of spec §6 ("Persisted cache
// layout"): entries are sharded two levels deep by the first bytes of
// their key's hex digest, one file per key, guarded by an advisory
// exclusive/shared lock so concurrent engine processes sharing a cache
// directory never observe a half-written entry.
type FileCache struct {
	root string
}

// NewFileCache constructs a FileCache rooted at dir, creating it if
// necessary.
func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileCache{root: dir}, nil
}

type fileCacheRecord struct {
	Value     any
	ExpiresAt time.Time
	HasTTL    bool
}

func (c *FileCache) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	hex := hex.EncodeToString(sum[:])
	return filepath.Join(c.root, hex[0:2], hex[2:4], hex)
}

func (c *FileCache) Get(key string) (any, bool) {
	path := c.pathFor(key)
	lock := flock.New(path + ".lock")
	locked, err := lock.TryRLock()
	if err != nil || !locked {
		return nil, false
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var rec fileCacheRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, false
	}
	if rec.HasTTL && time.Now().After(rec.ExpiresAt) {
		os.Remove(path)
		return nil, false
	}
	return rec.Value, true
}

func (c *FileCache) Set(key string, value any, ttl time.Duration) {
	path := c.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil || !locked {
		return
	}
	defer lock.Unlock()

	rec := fileCacheRecord{Value: value}
	if ttl > 0 {
		rec.HasTTL = true
		rec.ExpiresAt = time.Now().Add(ttl)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return
	}
	os.Rename(tmp, path)
}
