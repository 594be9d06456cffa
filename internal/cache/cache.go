// Package cache implements an LRU cache over
// decoded containers, bounded by either total decoded bytes or resident
// container count, with single-flight collapsing of concurrent decodes
// of the same container.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/panos-span/alexandria3k/internal/decoder"
)

// Bound selects exactly one eviction policy; the zero value is invalid
// and New rejects it -- exactly one of the two must be configured.
type Bound struct {
	MaxBytes int64 // byte-bound mode when > 0
	MaxFiles int   // count-bound mode when > 0
}

// FileCache wraps a decoder.Source with eviction and single-flight. It
// is the only component in the engine that calls Source.Decode.
type FileCache struct {
	source decoder.Source
	bound  Bound

	group singleflight.Group

	mu       sync.Mutex
	lru      *lru.Cache[int, *decoder.Container] // count-bound mode
	bytes    *byteLRU                            // byte-bound mode
	inFlight map[int]int                         // pins: containers mid-iteration are never evicted

	reads atomic.Int64 // cache-scoped decode counter, replacing the source's global mutable counter
}

// New constructs a FileCache. Exactly one of bound.MaxBytes/MaxFiles
// must be positive.
func New(source decoder.Source, bound Bound) (*FileCache, error) {
	switch {
	case bound.MaxBytes > 0 && bound.MaxFiles > 0:
		return nil, fmt.Errorf("cache: configure exactly one of max bytes or max files, got both")
	case bound.MaxBytes <= 0 && bound.MaxFiles <= 0:
		return nil, fmt.Errorf("cache: configure exactly one of max bytes or max files, got neither")
	}

	fc := &FileCache{source: source, bound: bound, inFlight: make(map[int]int)}

	if bound.MaxFiles > 0 {
		// No eviction callback: the count-bound path evicts explicitly
		// (see addCountBound/shrinkCountBound) so that Add never has to
		// evict anything itself. golang-lru's internal mutex is not
		// reentrant, so calling back into Add or Resize from inside an
		// eviction callback Add triggers synchronously would deadlock.
		l, err := lru.New[int, *decoder.Container](bound.MaxFiles)
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		fc.lru = l
	} else {
		fc.bytes = newByteLRU(bound.MaxBytes, fc.byteEvict)
	}

	return fc, nil
}

// byteEvict refuses to drop a container while it is pinned by an active
// iteration, per the eviction-never-frees-in-use-records contract: it
// puts the evicted entry straight back into the byte-bound store.
// byteLRU has no internal lock of its own (fc.mu, already held by the
// caller, is what protects it), so this re-entrant call back into
// fc.bytes.add is an ordinary recursive call, not a self-deadlock.
func (fc *FileCache) byteEvict(id int, c *decoder.Container) {
	if fc.inFlight[id] <= 0 {
		return
	}
	fc.bytes.add(id, c, estimateBytes(c))
}

// addCountBound inserts id into the count-bound LRU, making room first
// by removing unpinned entries, oldest first. If every resident entry
// is currently pinned, the cache is grown by exactly one slot instead
// -- pinned containers are never evicted, but the bound is only
// exceeded while every resident entry is genuinely in use. Because room
// is always made (by removal or by growth) before Add runs, Add itself
// never triggers an internal eviction, so there is no eviction callback
// to re-enter golang-lru's Add from.
func (fc *FileCache) addCountBound(id int, c *decoder.Container) {
	for fc.lru.Len() >= fc.bound.MaxFiles {
		victim, ok := fc.oldestUnpinned()
		if !ok {
			fc.lru.Resize(fc.lru.Len() + 1)
			break
		}
		fc.lru.Remove(victim)
	}
	fc.lru.Add(id, c)
}

// shrinkCountBound evicts unpinned entries down to the configured
// bound and restores the LRU's capacity, undoing any temporary growth
// addCountBound did while every resident entry was pinned.
func (fc *FileCache) shrinkCountBound() {
	for fc.lru.Len() > fc.bound.MaxFiles {
		victim, ok := fc.oldestUnpinned()
		if !ok {
			break
		}
		fc.lru.Remove(victim)
	}
	if fc.lru.Len() <= fc.bound.MaxFiles {
		fc.lru.Resize(fc.bound.MaxFiles)
	}
}

// oldestUnpinned returns the least-recently-used resident id that is
// not currently pinned. Keys is ordered oldest to newest.
func (fc *FileCache) oldestUnpinned() (int, bool) {
	for _, k := range fc.lru.Keys() {
		if fc.inFlight[k] <= 0 {
			return k, true
		}
	}
	return 0, false
}

// Pin marks a container as actively iterated, preventing eviction until
// Unpin is called. Callers (the executor) pin before reading rows and
// unpin once the slice has been fully copied out.
func (fc *FileCache) Pin(id int) {
	fc.mu.Lock()
	fc.inFlight[id]++
	fc.mu.Unlock()
}

// Unpin releases a Pin.
func (fc *FileCache) Unpin(id int) {
	fc.mu.Lock()
	fc.inFlight[id]--
	if fc.inFlight[id] <= 0 {
		delete(fc.inFlight, id)
	}
	if fc.lru != nil {
		fc.shrinkCountBound()
	}
	fc.mu.Unlock()
}

// Get returns the decoded container for id, decoding it on a miss.
// Concurrent Get calls for the same id collapse into a single decode.
func (fc *FileCache) Get(ctx context.Context, id int) (*decoder.Container, error) {
	if c, ok := fc.peek(id); ok {
		return c, nil
	}

	key := fmt.Sprintf("%d", id)
	v, err, _ := fc.group.Do(key, func() (any, error) {
		// Re-check: another goroutine may have populated it while we
		// were not holding the group's lock for this key yet.
		if c, ok := fc.peek(id); ok {
			return c, nil
		}

		c, err := fc.source.Decode(ctx, id)
		if err != nil {
			return nil, err
		}
		fc.reads.Add(1)
		fc.store(id, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*decoder.Container), nil
}

func (fc *FileCache) peek(id int) (*decoder.Container, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.lru != nil {
		return fc.lru.Peek(id)
	}
	return fc.bytes.peek(id)
}

func (fc *FileCache) store(id int, c *decoder.Container) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.lru != nil {
		fc.addCountBound(id, c)
		return
	}
	fc.bytes.add(id, c, estimateBytes(c))
}

// Source returns the wrapped decoder.Source, so callers that already
// need the container id space (e.g. the virtual-table module, when no
// container_id constraint was pushed down) don't need their own copy.
func (fc *FileCache) Source() decoder.Source {
	return fc.source
}

// Reads returns how many decodes this cache has actually performed,
// in place of a global mutable counter.
func (fc *FileCache) Reads() int64 {
	return fc.reads.Load()
}

// estimateBytes sums the length of every string cell across the
// container's tables, counting 8 bytes for every non-string cell -- a
// reasonable proxy for decoded size without
// requiring the decoder to report one itself.
func estimateBytes(c *decoder.Container) int64 {
	var n int64
	for _, rows := range c.Tables {
		for _, row := range rows {
			for _, cell := range row {
				if s, ok := cell.(string); ok {
					n += int64(len(s))
				} else {
					n += 8
				}
			}
		}
	}
	return n
}
