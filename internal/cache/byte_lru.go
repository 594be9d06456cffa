package cache

import (
	"container/list"

	"github.com/panos-span/alexandria3k/internal/decoder"
)

// byteLRU is an LRU keyed by container id, evicting oldest-first once
// the sum of added sizes exceeds a byte budget. golang-lru/v2 has no
// byte-weighted variant, so byte-bound mode tracks size itself and
// reuses golang-lru's eviction semantics (most-recently-used at the
// front) by hand with container/list.
type byteLRU struct {
	maxBytes int64
	curBytes int64

	ll    *list.List // front = most recently used
	items map[int]*list.Element
	onEvict func(id int, c *decoder.Container)
}

type byteEntry struct {
	id    int
	c     *decoder.Container
	bytes int64
}

func newByteLRU(maxBytes int64, onEvict func(int, *decoder.Container)) *byteLRU {
	return &byteLRU{
		maxBytes: maxBytes,
		ll:       list.New(),
		items:    make(map[int]*list.Element),
		onEvict:  onEvict,
	}
}

func (b *byteLRU) peek(id int) (*decoder.Container, bool) {
	el, ok := b.items[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*byteEntry).c, true
}

func (b *byteLRU) add(id int, c *decoder.Container, size int64) {
	if el, ok := b.items[id]; ok {
		b.curBytes -= el.Value.(*byteEntry).bytes
		b.ll.Remove(el)
		delete(b.items, id)
	}

	el := b.ll.PushFront(&byteEntry{id: id, c: c, bytes: size})
	b.items[id] = el
	b.curBytes += size

	for b.curBytes > b.maxBytes && b.ll.Len() > 1 {
		oldest := b.ll.Back()
		entry := oldest.Value.(*byteEntry)
		b.ll.Remove(oldest)
		delete(b.items, entry.id)
		b.curBytes -= entry.bytes
		if b.onEvict != nil {
			b.onEvict(entry.id, entry.c)
		}
	}
}
