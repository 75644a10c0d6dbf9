package storage

import (
	"sync"

	"github.com/google/btree"
)

const indexDegree = 32

type indexItem struct {
	key string
	loc Location
}

func indexLess(a, b indexItem) bool {
	return a.key < b.key
}

// Index maps every live key to the location of its latest Set record.
//
// Lookups from any number of goroutines share the read lock. Mutations come
// from the single writer and hold the write lock only for one tree operation.
type Index struct {
	mutex sync.RWMutex
	tree  *btree.BTreeG[indexItem]
}

func NewIndex() *Index {
	return &Index{
		tree: btree.NewG[indexItem](indexDegree, indexLess),
	}
}

func (i *Index) Lookup(key string) (Location, bool) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	item, ok := i.tree.Get(indexItem{key: key})

	return item.loc, ok
}

// Upsert points key at loc and returns the location it replaced, if any.
func (i *Index) Upsert(key string, loc Location) (Location, bool) {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	prev, ok := i.tree.ReplaceOrInsert(indexItem{key: key, loc: loc})

	return prev.loc, ok
}

// Delete drops key and returns the location it pointed at, if any.
func (i *Index) Delete(key string) (Location, bool) {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	prev, ok := i.tree.Delete(indexItem{key: key})

	return prev.loc, ok
}

func (i *Index) Len() int {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	return i.tree.Len()
}

// Keys returns a snapshot of the live keys in ascending order.
func (i *Index) Keys() []string {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	keys := make([]string, 0, i.tree.Len())

	i.tree.Ascend(func(item indexItem) bool {
		keys = append(keys, item.key)
		return true
	})

	return keys
}
