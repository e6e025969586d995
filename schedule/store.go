// Package schedule supplements the core engine with cron-triggered flow
// runs, a feature present in the original implementation's CLI but
// dropped from the distilled spec. It persists schedule configuration
// in a bbolt database and drives runs through go.etcd.io/bbolt +
// github.com/robfig/cron/v3, grounded on the host engine's
// persistence.go and scheduler.go.
package schedule

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var scheduleBucket = []byte("schedules")

// Config is one persisted cron-triggered flow run.
type Config struct {
	ID       string    `json:"id"`
	Flow     string    `json:"flow"` // "<module>:<flow>"
	CronExpr string    `json:"cron_expr"`
	Args     []any     `json:"args"` // stored only; Scheduler.fire does not pass it to the run
	Enabled  bool      `json:"enabled"`
	Created  time.Time `json:"created"`
}

// Store persists Config rows in a bbolt database.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if necessary) a bbolt database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open schedule store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(scheduleBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init schedule bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// Put inserts or replaces a Config by ID.
func (s *Store) Put(cfg Config) error {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal schedule config: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(scheduleBucket).Put([]byte(cfg.ID), encoded)
	})
}

// Delete removes a Config by ID.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(scheduleBucket).Delete([]byte(id))
	})
}

// List returns every persisted Config.
func (s *Store) List() ([]Config, error) {
	var out []Config
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(scheduleBucket).ForEach(func(k, v []byte) error {
			var cfg Config
			if err := json.Unmarshal(v, &cfg); err != nil {
				return fmt.Errorf("unmarshal schedule %q: %w", k, err)
			}
			out = append(out, cfg)
			return nil
		})
	})
	return out, err
}
