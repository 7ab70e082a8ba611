package dispatch

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

const (
	DefaultQueueMaxSize   = 10000
	DefaultQueueShedBatch = 10
)

// PriorityQueue holds one FIFO bucket per tier. Get picks a bucket at random,
// weighted by tier weight times bucket depth, so low tiers keep making
// progress under sustained urgent load.
type PriorityQueue struct {
	mu        sync.Mutex
	buckets   [numTiers][]*Item
	size      int
	maxSize   int
	shedBatch int
	rng       *rand.Rand

	dropped atomic.Uint64
}

// NewPriorityQueue creates a queue. A nil rng uses a randomly seeded source.
func NewPriorityQueue(maxSize, shedBatch int, rng *rand.Rand) *PriorityQueue {
	if maxSize <= 0 {
		maxSize = DefaultQueueMaxSize
	}
	if shedBatch <= 0 {
		shedBatch = DefaultQueueShedBatch
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &PriorityQueue{maxSize: maxSize, shedBatch: shedBatch, rng: rng}
}

// Put appends item to its tier's bucket. When the queue is full it first sheds
// up to shedBatch items from the back of the low bucket, then normal.
// It never blocks: if shedding frees no room the item itself is dropped.
func (q *PriorityQueue) Put(item *Item) (admitted bool, shed int) {
	if !item.Tier.Valid() {
		return false, 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size >= q.maxSize {
		shed = q.shedLocked()
		if q.size >= q.maxSize {
			q.dropped.Add(1)
			return false, shed
		}
	}
	q.buckets[item.Tier] = append(q.buckets[item.Tier], item)
	q.size++
	return true, shed
}

func (q *PriorityQueue) shedLocked() int {
	shed := 0
	for _, t := range [...]Tier{TierLow, TierNormal} {
		b := q.buckets[t]
		for len(b) > 0 && shed < q.shedBatch {
			b[len(b)-1] = nil
			b = b[:len(b)-1]
			shed++
		}
		q.buckets[t] = b
	}
	q.size -= shed
	q.dropped.Add(uint64(shed))
	return shed
}

// Get removes and returns one item, or nil if the queue is empty.
func (q *PriorityQueue) Get() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}
	total := 0
	for t := range q.buckets {
		total += tierWeights[t] * len(q.buckets[t])
	}
	draw := q.rng.IntN(total)

	cum := 0
	for t := range q.buckets {
		n := len(q.buckets[t])
		if n == 0 {
			continue
		}
		cum += tierWeights[t] * n
		if draw < cum {
			return q.popLocked(Tier(t))
		}
	}
	// unreachable while size matches the buckets
	return nil
}

func (q *PriorityQueue) popLocked(t Tier) *Item {
	b := q.buckets[t]
	item := b[0]
	b[0] = nil
	b = b[1:]
	if len(b) == 0 {
		b = nil
	}
	q.buckets[t] = b
	q.size--
	return item
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns per-tier depth and the cumulative number of dropped items.
func (q *PriorityQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Critical: len(q.buckets[TierCritical]),
		High:     len(q.buckets[TierHigh]),
		Normal:   len(q.buckets[TierNormal]),
		Low:      len(q.buckets[TierLow]),
		Dropped:  q.dropped.Load(),
	}
}
