// Package csync provides thread-safe concurrent data structures.
//
// Map is a generic map guarded by a single RWMutex. Sharded spreads keys over
// a fixed number of Maps so that writers for unrelated keys do not contend on
// the same lock. Both expose atomic read-modify-write helpers (Compute,
// LoadOrStore, DeleteIf) so callers never have to pair a read with a separate write.
//
// Example usage:
//
//	seen := csync.NewSharded[string, time.Time](32)
//	accepted := false
//	seen.Compute(id, func(old time.Time, loaded bool) (time.Time, bool) {
//		if loaded {
//			return old, true
//		}
//		accepted = true
//		return time.Now(), true
//	})
//
// All operations are safe to call from multiple goroutines.
package csync
