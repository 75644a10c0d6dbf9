package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"kvs/storage"

	"github.com/go-faker/faker/v4"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/tsdb/wlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testOptions(threshold uint64) Options {
	return Options{
		CompactionThreshold: threshold,
		SyncWrites:          false,
	}
}

func openStore(t *testing.T, dir string, opts Options) *Store {
	t.Helper()

	s, err := Open(log.NewNopLogger(), prometheus.NewRegistry(), dir, opts)
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	require.NoError(t, c.Write(m))

	return m.GetCounter().GetValue()
}

func recordSize(t *testing.T, rec storage.Record) uint64 {
	t.Helper()

	b, err := storage.AppendRecord(nil, rec)
	require.NoError(t, err)

	return uint64(len(b))
}

func TestStoreCreation(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir, DefaultOptions())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Equal(t, 1, len(files))
	assert.Equal(t, "1.log", files[0].Name())

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.CurrentSegment)
	assert.Equal(t, 0, stats.Keys)
}

func TestStoreSetGet(t *testing.T) {
	s := openStore(t, t.TempDir(), DefaultOptions())

	require.NoError(t, s.Set("key1", "value1"))
	require.NoError(t, s.Set("key2", "value2"))

	v, ok, err := s.Get("key1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value1", v)

	v, ok, err = s.Get("key2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value2", v)

	_, ok, err = s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreRecovery(t *testing.T) {
	dir := t.TempDir()

	expected := make(map[string]string)
	for i := 0; i < 200; i++ {
		expected[fmt.Sprintf("%s-%d", faker.Word(), i)] = faker.Sentence()
	}

	s, err := Open(log.NewNopLogger(), prometheus.NewRegistry(), dir, testOptions(DefaultCompactionThreshold))
	require.NoError(t, err)

	for k, v := range expected {
		require.NoError(t, s.Set(k, v))
	}

	require.NoError(t, s.Close())

	s2 := openStore(t, dir, testOptions(DefaultCompactionThreshold))

	for k, v := range expected {
		got, ok, err := s2.Get(k)
		require.NoError(t, err)
		require.True(t, ok, "key %s missing after reopen", k)
		assert.Equal(t, v, got)
	}

	// A new, empty segment is started after the replayed one.
	stats, err := s2.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.CurrentSegment)
	assert.Equal(t, 2, stats.Segments)
}

func TestStoreOverwrite(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions(DefaultCompactionThreshold))

	require.NoError(t, s.Set("key", "v1"))
	require.NoError(t, s.Set("key", "v2"))

	v, ok, err := s.Get("key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", v)

	assert.Equal(t, recordSize(t, storage.SetRecord("key", "v1")), s.reclaimable.Load())
}

func TestStoreRemove(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, testOptions(DefaultCompactionThreshold))

	require.NoError(t, s.Set("keep", "1"))

	before, err := os.Stat(SegmentName(dir, 1))
	require.NoError(t, err)

	// Removing an absent key fails and writes nothing.
	require.ErrorIs(t, s.Remove("missing"), storage.ErrKeyNotFound)

	after, err := os.Stat(SegmentName(dir, 1))
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size())
	assert.Equal(t, []string{"keep"}, s.index.Keys())

	require.NoError(t, s.Set("key", "value"))
	require.NoError(t, s.Remove("key"))

	_, ok, err := s.Get("key")
	require.NoError(t, err)
	assert.False(t, ok)

	require.ErrorIs(t, s.Remove("key"), storage.ErrKeyNotFound)

	expected := recordSize(t, storage.SetRecord("key", "value")) + recordSize(t, storage.RemoveRecord("key"))
	assert.Equal(t, expected, s.reclaimable.Load())
}

func TestStoreRemovePersists(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(log.NewNopLogger(), prometheus.NewRegistry(), dir, testOptions(DefaultCompactionThreshold))
	require.NoError(t, err)

	require.NoError(t, s.Set("a", "1"))
	require.NoError(t, s.Set("b", "2"))
	require.NoError(t, s.Set("a", "3"))
	require.NoError(t, s.Remove("b"))

	reclaimable := s.reclaimable.Load()
	require.NoError(t, s.Close())

	s2 := openStore(t, dir, testOptions(DefaultCompactionThreshold))

	v, ok, err := s2.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "3", v)

	_, ok, err = s2.Get("b")
	require.NoError(t, err)
	assert.False(t, ok)

	// Replay arrives at the same reclaimable total as the live process.
	assert.Equal(t, reclaimable, s2.reclaimable.Load())
}

func TestStoreCompaction(t *testing.T) {
	dir := t.TempDir()
	const threshold = 4 * 1024

	// Build up several segments by reopening the store.
	for round := 0; round < 3; round++ {
		s, err := Open(log.NewNopLogger(), prometheus.NewRegistry(), dir, testOptions(threshold))
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			require.NoError(t, s.Set(fmt.Sprintf("key%d", i), fmt.Sprintf("round%d", round)))
		}

		require.NoError(t, s.Close())
	}

	s := openStore(t, dir, testOptions(threshold))

	peak, err := Segments(dir)
	require.NoError(t, err)
	require.Equal(t, 4, len(peak))

	expected := make(map[string]string)
	for i := 0; i < 10; i++ {
		expected[fmt.Sprintf("key%d", i)] = "round2"
	}

	for k, v := range expected {
		got, ok, err := s.Get(k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, v, got)
	}

	before := s.current.Load()

	for i := 0; s.current.Load() == before; i++ {
		require.Less(t, i, 10000, "compaction never triggered")

		key := fmt.Sprintf("key%d", i%10)
		value := fmt.Sprintf("value%d", i)

		require.NoError(t, s.Set(key, value))
		expected[key] = value
	}

	assert.Equal(t, before+1, s.current.Load())
	assert.Equal(t, float64(1), counterValue(t, s.metrics.compactions))
	assert.Equal(t, uint64(0), s.reclaimable.Load())

	for k, v := range expected {
		got, ok, err := s.Get(k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, v, got)
	}

	refs, err := Segments(dir)
	require.NoError(t, err)
	assert.Less(t, len(refs), len(peak))

	for _, ref := range refs {
		assert.GreaterOrEqual(t, ref.index, s.current.Load())
	}

	_, err = os.Stat(SegmentName(dir, s.current.Load()))
	require.NoError(t, err)

	// The compacted directory replays to the same state.
	require.NoError(t, s.Close())
	s2 := openStore(t, dir, testOptions(threshold))

	for k, v := range expected {
		got, ok, err := s2.Get(k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, v, got)
	}
}

func TestStoreCompactionDropsRemovedKeys(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, testOptions(2*1024))

	for i := 0; i < 100; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("gone%d", i), faker.Sentence()))
	}

	for i := 0; i < 100; i++ {
		require.NoError(t, s.Remove(fmt.Sprintf("gone%d", i)))
	}

	require.NoError(t, s.Set("survivor", "here"))

	assert.GreaterOrEqual(t, counterValue(t, s.metrics.compactions), float64(1))
	assert.Equal(t, []string{"survivor"}, s.index.Keys())

	require.NoError(t, s.Close())
	s2 := openStore(t, dir, testOptions(2*1024))

	assert.Equal(t, []string{"survivor"}, s2.index.Keys())

	for i := 0; i < 100; i++ {
		_, ok, err := s2.Get(fmt.Sprintf("gone%d", i))
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestStoreTornTail(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(log.NewNopLogger(), prometheus.NewRegistry(), dir, testOptions(DefaultCompactionThreshold))
	require.NoError(t, err)
	require.NoError(t, s.Set("a", "1"))
	require.NoError(t, s.Set("b", "2"))
	require.NoError(t, s.Close())

	f, err := os.OpenFile(SegmentName(dir, 1), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte(`{"Set":{"key":"c","val`))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2 := openStore(t, dir, testOptions(DefaultCompactionThreshold))

	v, ok, err := s2.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", v)

	_, ok, err = s2.Get("c")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreCorruptSegment(t *testing.T) {
	dir := t.TempDir()

	content := `{"Set":{"key":"a","value":"1"}}not json{"Set":{"key":"b","value":"2"}}`
	require.NoError(t, os.WriteFile(SegmentName(dir, 1), []byte(content), 0o644))

	_, err := Open(log.NewNopLogger(), prometheus.NewRegistry(), dir, DefaultOptions())
	require.Error(t, err)

	var cerr *wlog.CorruptionErr
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, cerr.Segment)
	assert.Equal(t, int64(len(`{"Set":{"key":"a","value":"1"}}`)), cerr.Offset)
}

func TestStoreGetUnexpectedRecordKind(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions(DefaultCompactionThreshold))

	require.NoError(t, s.Set("a", "1"))
	require.NoError(t, s.Remove("a"))

	// Point the index at the Remove record.
	s.index.Upsert("a", storage.Location{
		Segment: 1,
		Offset:  recordSize(t, storage.SetRecord("a", "1")),
		Length:  recordSize(t, storage.RemoveRecord("a")),
	})

	_, _, err := s.Get("a")
	require.ErrorIs(t, err, storage.ErrUnexpectedRecordKind)

	// And at a Set for another key.
	require.NoError(t, s.Set("b", "2"))
	loc, ok := s.index.Lookup("b")
	require.True(t, ok)
	s.index.Upsert("a", loc)

	_, _, err = s.Get("a")
	require.ErrorIs(t, err, storage.ErrCorruptRecord)
}

func TestStoreRejectsInvalidUTF8(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, testOptions(4096))

	var cerr *storage.CodecError

	require.ErrorAs(t, s.Set("k\xff", "v"), &cerr)
	require.ErrorAs(t, s.Set("k", "v\xff"), &cerr)
	require.ErrorAs(t, s.Remove("k\xff"), &cerr)

	info, err := os.Stat(SegmentName(dir, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())

	_, ok, err := s.Get("k\xff")
	require.NoError(t, err)
	assert.False(t, ok)

	// Compaction keeps working after the rejected writes.
	for i := 0; i < 200; i++ {
		require.NoError(t, s.Set("a", fmt.Sprintf("value-%d", i)))
	}

	assert.GreaterOrEqual(t, counterValue(t, s.metrics.compactions), float64(1))
	assert.Equal(t, float64(0), counterValue(t, s.metrics.compactionsFailed))

	v, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value-199", v)
}

func TestStoreIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine"), []byte("kvs"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backup.log"), []byte("garbage"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "7.log"), 0o755))

	s := openStore(t, dir, DefaultOptions())
	assert.Equal(t, uint64(1), s.current.Load())
}

func TestStoreConcurrentSets(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions(16*1024))

	const (
		writers = 8
		sets    = 300
	)

	var g errgroup.Group

	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < sets; i++ {
				if err := s.Set(fmt.Sprintf("w%d-k%d", w, i%50), fmt.Sprintf("v%d", i)); err != nil {
					return err
				}
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.GreaterOrEqual(t, counterValue(t, s.metrics.compactions), float64(1))

	for w := 0; w < writers; w++ {
		for k := 0; k < 50; k++ {
			// The last write to key k was i = sets-50+k.
			v, ok, err := s.Get(fmt.Sprintf("w%d-k%d", w, k))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, fmt.Sprintf("v%d", sets-50+k), v)
		}
	}
}

func TestStoreReadsDuringCompaction(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions(4*1024))

	const keys = 20

	for k := 0; k < keys; k++ {
		require.NoError(t, s.Set(fmt.Sprintf("key%d", k), "initial"))
	}

	done := make(chan struct{})
	var g errgroup.Group

	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for i := 0; ; i++ {
				select {
				case <-done:
					return nil
				default:
				}

				_, ok, err := s.Get(fmt.Sprintf("key%d", i%keys))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("key%d disappeared", i%keys)
				}
			}
		})
	}

	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	defer stop()

	for i := 0; i < 2000; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("key%d", i%keys), fmt.Sprintf("value%d", i)))
	}

	stop()
	require.NoError(t, g.Wait())
	assert.GreaterOrEqual(t, counterValue(t, s.metrics.compactions), float64(2))
}

func TestStoreClosed(t *testing.T) {
	s, err := Open(log.NewNopLogger(), prometheus.NewRegistry(), t.TempDir(), DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, s.Set("a", "1"))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Set("a", "2"), ErrClosed)
	require.ErrorIs(t, s.Remove("a"), ErrClosed)

	_, _, err = s.Get("a")
	require.ErrorIs(t, err, ErrClosed)
}
