package storage

// Engine is the capability shared by every storage backend. The server and the
// tests consume it without knowing which backend sits behind it.
//
// There are exactly two implementations: the log-structured store in
// storage/logstore and the bbolt delegate in storage/boltstore.
type Engine interface {
	// Set stores value under key, replacing any previous value.
	Set(key, value string) error
	// Get returns the value stored under key. found is false when the key is
	// absent; that is not an error.
	Get(key string) (value string, found bool, err error)
	// Remove deletes key. Removing an absent key fails with ErrKeyNotFound.
	Remove(key string) error
	// Close releases the files held by the engine.
	Close() error
}

// Location points at one encoded record inside a segment.
type Location struct {
	Segment uint64 //segment id
	Offset  uint64 //byte offset inside the segment
	Length  uint64 //encoded record size
}

func (l Location) End() uint64 {
	return l.Offset + l.Length
}
