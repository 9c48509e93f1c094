package ker

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/nlog"
)

// tableCache is the pool's tablesMap: a name-to-metadata dictionary
// refreshed wholesale on the metadata-refresh timer (spec §4.8
// "refreshed... by issuing an internal-priority DESCRIBE whose
// completion rewrites the pool's tables dictionary"). Backed by an
// in-memory buntdb so lookups get consistent snapshot semantics under
// concurrent refresh without a bespoke map+mutex wrapper.
type tableCache struct {
	mu sync.Mutex // serializes refresh against itself; buntdb handles reader concurrency
	db *buntdb.DB
}

func newTableCache() (*tableCache, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	return &tableCache{db: db}, nil
}

func (t *tableCache) close() error { return t.db.Close() }

// refresh clears the dictionary and reloads it from a DESCRIBE result,
// mirroring mempool_feed_tables's "clear + refill" semantics.
func (t *tableCache) refresh(tables []cmn.TableMeta) {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.db.Update(func(tx *buntdb.Tx) error {
		var stale []string
		_ = tx.Ascend("", func(key, _ string) bool {
			stale = append(stale, key)
			return true
		})
		for _, key := range stale {
			if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		for _, meta := range tables {
			raw, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(meta)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(meta.Name, string(raw), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		nlog.Warningf("[ker] table cache refresh failed: %v", err)
	}
}

func (t *tableCache) lookup(name string) (cmn.TableMeta, bool) {
	var meta cmn.TableMeta
	found := false
	err := t.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(name)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if jerr := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal([]byte(raw), &meta); jerr != nil {
			return jerr
		}
		found = true
		return nil
	})
	if err != nil {
		nlog.Warningf("[ker] table cache lookup(%q) failed: %v", name, err)
		return cmn.TableMeta{}, false
	}
	return meta, found
}
