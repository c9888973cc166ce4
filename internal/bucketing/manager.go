package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps keys onto a fixed number of buckets with murmur3 and
// aligns timestamps onto fixed windows.
type BucketingManager struct {
	buckets    int
	hasherPool sync.Pool
}

func NewBucketingManager(buckets int) *BucketingManager {
	if buckets <= 0 {
		buckets = 1
	}
	bm := &BucketingManager{buckets: buckets}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// Bucket returns a stable bucket in [0, Buckets()).
func (bm *BucketingManager) Bucket(key string) int {
	return int(bm.getHash(key) % uint64(bm.buckets))
}

func (bm *BucketingManager) Buckets() int {
	return bm.buckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

// WindowStart returns the start of the fixed window of the given size that
// contains t.
func WindowStart(t time.Time, window time.Duration) time.Time {
	return t.UTC().Truncate(window)
}

// Stripes is a fixed set of mutexes selected by key, serializing operations on
// the same key without one lock per key.
type Stripes struct {
	bm    *BucketingManager
	locks []sync.Mutex
}

func NewStripes(n int) *Stripes {
	bm := NewBucketingManager(n)
	return &Stripes{
		bm:    bm,
		locks: make([]sync.Mutex, bm.Buckets()),
	}
}

// Lock locks the stripe owning key and returns its unlock function.
func (s *Stripes) Lock(key string) func() {
	m := &s.locks[s.bm.Bucket(key)]
	m.Lock()
	return m.Unlock
}
