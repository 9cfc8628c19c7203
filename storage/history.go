package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/podsync/types"
)

// Bucket names in bbolt
var (
	bucketObservations = []byte("observations")
	bucketMeta         = []byte("meta")
)

var keyLastRevision = []byte("last_revision")

// History persists inventory observations so entity lifecycles can be
// inspected after the fact. It implements Recorder.
type History struct {
	mu     sync.Mutex
	db     *bbolt.DB
	logger zerolog.Logger
}

var _ Recorder = (*History)(nil)

// OpenHistory opens (or creates) the history database in dir
func OpenHistory(dir string, logger zerolog.Logger) (*History, error) {
	dbPath := filepath.Join(dir, "podsync.db")

	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketObservations, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &History{db: db, logger: logger}, nil
}

// Close closes the database
func (h *History) Close() error {
	return h.db.Close()
}

// Record appends observations. Failures are logged, not returned: history
// is an audit trail and never blocks the inventory.
func (h *History) Record(obs []Observation) {
	if err := h.Append(obs); err != nil {
		h.logger.Warn().Err(err).Int("observations", len(obs)).Msg("failed to record history")
	}
}

// Append writes observations in a single transaction
func (h *History) Append(obs []Observation) error {
	if len(obs) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObservations)
		var last int64
		for _, o := range obs {
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			value, err := json.Marshal(o)
			if err != nil {
				return fmt.Errorf("encode observation %s: %w", o.Key, err)
			}
			if err := bucket.Put(makeObservationKey(o.Revision, seq), value); err != nil {
				return err
			}
			if o.Revision > last {
				last = o.Revision
			}
		}
		meta := tx.Bucket(bucketMeta)
		if stored := bytesToInt64(meta.Get(keyLastRevision)); stored > last {
			return nil
		}
		return meta.Put(keyLastRevision, int64ToBytes(last))
	})
}

// Entry is a stored observation. Value holds the raw JSON payload.
type Entry struct {
	Revision int64           `json:"revision"`
	Op       Op              `json:"op"`
	Kind     types.Kind      `json:"kind,omitempty"`
	Key      types.Key       `json:"key"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// EntityHistory returns every stored observation touching key, oldest first.
// Scope drops are included since they end every entity of the scope.
func (h *History) EntityHistory(key types.Key) ([]Entry, error) {
	var out []Entry
	err := h.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObservations).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Key == key || (e.Op == OpDropped && e.Key.Scope == key.Scope) {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

// LastRevision returns the highest revision stored
func (h *History) LastRevision() int64 {
	var rev int64
	_ = h.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyLastRevision); data != nil {
			rev = bytesToInt64(data)
		}
		return nil
	})
	return rev
}

// Compact removes observations older than the last keepRevisions revisions
func (h *History) Compact(keepRevisions int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.LastRevision() - keepRevisions
	if cutoff <= 0 {
		return 0, nil
	}

	deleted := 0
	err := h.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObservations)
		c := bucket.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if rev, _ := parseObservationKey(k); rev > cutoff {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}

		for _, key := range toDelete {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		deleted = len(toDelete)
		return nil
	})
	return deleted, err
}

// keys sort by revision, then insertion order within the revision
func makeObservationKey(rev int64, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(rev))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

func parseObservationKey(key []byte) (int64, uint64) {
	if len(key) != 16 {
		return 0, 0
	}
	return int64(binary.BigEndian.Uint64(key[:8])), binary.BigEndian.Uint64(key[8:])
}

func int64ToBytes(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func bytesToInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
