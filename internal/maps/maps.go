package maps

// mapImplementation controls the default concurrent map used across the application.
// Valid options: "xsync", "sharded", "cornelk", "sync".
const mapImplementation = "xsync"

// Implementations lists the names accepted by NewConcurrentMapOf.
var Implementations = []string{"xsync", "sharded", "cornelk", "sync"}

// Integer is a constraint that permits any integer type.
// All integer types are comparable.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap defines a generic, thread-safe map interface for integer keys.
// The thread registry and the replay engine's instrumentation caches sit on top
// of it, so the backing implementation can be swapped from configuration.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	// LoadOrStore returns the existing value, or stores the factory result.
	// loaded reports whether the value was already present.
	LoadOrStore(key K, valueFactory func() V) (value V, loaded bool)
	Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool))
	Range(f func(key K, value V) bool)
	// Len returns the number of entries. It may be stale under concurrent writes.
	Len() int
}

// NewConcurrentMap is a factory that returns the default concurrent map implementation
// for integer-keyed maps.
func NewConcurrentMap[K Integer, V any]() ConcurrentMap[K, V] {
	return NewConcurrentMapOf[K, V](mapImplementation)
}

// NewConcurrentMapOf returns the named implementation. Unknown names fall back to xsync.
func NewConcurrentMapOf[K Integer, V any](impl string) ConcurrentMap[K, V] {
	switch impl {
	case "xsync":
		return NewXSyncMap[K, V]()
	case "sharded":
		return NewShardedMap[K, V]()
	case "cornelk":
		return NewCornelkMap[K, V]()
	case "sync":
		return NewStdSyncMap[K, V]()
	default:
		// Default to the highest-performing implementation as a safe fallback.
		return NewXSyncMap[K, V]()
	}
}

// IsImplementation reports whether name is a known implementation.
func IsImplementation(name string) bool {
	for _, impl := range Implementations {
		if impl == name {
			return true
		}
	}
	return false
}
