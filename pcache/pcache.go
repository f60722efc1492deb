// Package pcache is the block/page cache shared by the filesystem and
// the block-device layer: a typed wrapper over hashtable.Hashtable_t
// keyed by (device id, block number), with per-entry pin counts and
// last-used timestamps so a reclaimer can find and evict unreferenced,
// aged-out entries instead of holding every block resident for the
// life of the mount.
package pcache

import (
	"sort"
	"sync/atomic"
	"time"

	log "github.com/dsoprea/go-logging"

	"duskos/hashtable"
)

var clog = log.NewLogger("duskos.pcache")

/// Key identifies one cached unit: a block number on a given device.
/// hashtable.Hashtable_t only knows how to hash a handful of scalar
/// kinds, so the (dev, block) pair is folded into a single int rather
/// than taught to the hash table as a new case.
type Key int

/// MkKey packs a device id and block number into one cache key.
func MkKey(dev, block int) Key {
	return Key(int64(dev)<<32 | int64(uint32(block)))
}

/// Dev extracts the device id a key was packed with, used by
/// RemoveDisk to find every entry belonging to an unmounted device.
func (k Key) Dev() int {
	return int(int64(k) >> 32)
}

/// Evictable is implemented by values the cache stores; fs.Bdev_block_t
/// already has exactly this shape (see fs/blk.go's EvictFromCache/
/// EvictDone pair used by the prior whole-mount evict sweep). Reclaim
/// and RemoveDisk call both on the way out so an evicted entry gets the
/// same writeback/teardown a manual sweep already gave it.
type Evictable interface {
	EvictFromCache()
	EvictDone()
}

type entry struct {
	v        Evictable
	pins     int32
	lastUsed int64 // unix nanos, updated atomically by Get/Put
}

/// Pagecache_t caches Evictable values keyed by Key.
type Pagecache_t struct {
	ht *hashtable.Hashtable_t
}

/// MkCache allocates a cache with nbuckets hash buckets.
func MkCache(nbuckets int) *Pagecache_t {
	return &Pagecache_t{ht: hashtable.MkHash(nbuckets)}
}

// hashtable.Hashtable_t's hash()/equal() type-switch on the dynamic
// type of the key it is handed, and only recognize a handful of bare
// scalar kinds (not named types derived from them), so Key is
// converted down to plain int at every call into it.

/// Get looks up the value stored under k, pinning it against reclaim
/// until the caller releases it with Release.
func (pc *Pagecache_t) Get(k Key) (interface{}, bool) {
	v, ok := pc.ht.Get(int(k))
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	atomic.AddInt32(&e.pins, 1)
	atomic.StoreInt64(&e.lastUsed, time.Now().UnixNano())
	return e.v, true
}

/// Put inserts or replaces the value stored under k, pinned once on
/// the caller's behalf (a Put is always immediately followed by the
/// caller using what it just inserted, the same as a Get hit).
func (pc *Pagecache_t) Put(k Key, v interface{}) {
	ev, ok := v.(Evictable)
	if !ok {
		panic("pcache: value does not implement Evictable")
	}
	e := &entry{v: ev, pins: 1, lastUsed: time.Now().UnixNano()}
	if _, added := pc.ht.Set(int(k), e); !added {
		pc.ht.Del(int(k))
		pc.ht.Set(int(k), e)
	}
}

/// Release unpins k, making it eligible for reclaim again once no
/// other pin remains. Every Get/Put must be matched by exactly one
/// Release once the caller is done with the value.
func (pc *Pagecache_t) Release(k Key) {
	v, ok := pc.ht.Get(int(k))
	if !ok {
		return
	}
	e := v.(*entry)
	if atomic.AddInt32(&e.pins, -1) < 0 {
		panic("pcache: released an entry with no outstanding pin")
	}
}

/// Pin holds k resident without the copy-and-touch a Get performs,
/// for a caller that wants an entry kept out of reclaim for the life
/// of the mount rather than one borrow at a time.
func (pc *Pagecache_t) Pin(k Key) {
	v, ok := pc.ht.Get(int(k))
	if !ok {
		return
	}
	atomic.AddInt32(&v.(*entry).pins, 1)
}

/// Del removes k from the cache, if present, without running its
/// Evictable teardown -- callers that need the writeback/cleanup side
/// effects should go through Reclaim/RemoveDisk instead.
func (pc *Pagecache_t) Del(k Key) {
	if _, ok := pc.ht.Get(int(k)); ok {
		pc.ht.Del(int(k))
	}
}

/// Len reports the number of cached entries.
func (pc *Pagecache_t) Len() int {
	return pc.ht.Size()
}

/// Iter visits every cached entry, stopping early if f returns true.
func (pc *Pagecache_t) Iter(f func(Key, interface{}) bool) {
	pc.ht.Iter(func(k, v interface{}) bool {
		return f(Key(k.(int)), v.(*entry).v)
	})
}

/// Reclaim evicts up to want unreferenced (pins == 0) entries whose
/// last use is at least maxAge old (maxAge == 0 means any age),
/// oldest-first, and returns the number actually evicted. It
/// implements mem.Reclaimer; every mount registers its cache with
/// mem.RegisterReclaimer so the physical frame allocator's reclaim
/// cascade has somewhere to go before returning ENOMEM.
func (pc *Pagecache_t) Reclaim(maxAge time.Duration, want int) int {
	if want <= 0 {
		return 0
	}
	type cand struct {
		k        Key
		lastUsed int64
	}
	var cutoff int64
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge).UnixNano()
	}
	var cands []cand
	pc.ht.Iter(func(k, v interface{}) bool {
		e := v.(*entry)
		if atomic.LoadInt32(&e.pins) != 0 {
			return false
		}
		lu := atomic.LoadInt64(&e.lastUsed)
		if maxAge == 0 || lu <= cutoff {
			cands = append(cands, cand{Key(k.(int)), lu})
		}
		return false
	})
	sort.Slice(cands, func(i, j int) bool { return cands[i].lastUsed < cands[j].lastUsed })
	if len(cands) > want {
		cands = cands[:want]
	}
	n := 0
	for _, c := range cands {
		v, ok := pc.ht.Get(int(c.k))
		if !ok {
			continue
		}
		e := v.(*entry)
		if atomic.LoadInt32(&e.pins) != 0 {
			continue // re-pinned since the scan above
		}
		e.v.EvictFromCache()
		e.v.EvictDone()
		pc.ht.Del(int(c.k))
		n++
	}
	if n > 0 {
		clog.Debugf(nil, "reclaimed %d of %d wanted (max age %v)", n, want, maxAge)
	}
	return n
}

/// RemoveDisk unconditionally evicts every cached entry whose key
/// belongs to dev, implementing remove_cached_disk_pages(dev): after
/// this call returns, no cached entry has Key.Dev() == dev. Used by
/// vfs.Table_t.Unmount so a later remount under the same device id
/// can't observe stale cached blocks from the previous mount.
func (pc *Pagecache_t) RemoveDisk(dev int) int {
	var keys []Key
	pc.ht.Iter(func(k, v interface{}) bool {
		if kk := Key(k.(int)); kk.Dev() == dev {
			keys = append(keys, kk)
		}
		return false
	})
	for _, k := range keys {
		v, ok := pc.ht.Get(int(k))
		if !ok {
			continue
		}
		e := v.(*entry)
		e.v.EvictFromCache()
		e.v.EvictDone()
		pc.ht.Del(int(k))
	}
	return len(keys)
}
