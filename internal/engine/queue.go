package engine

import "github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"

// rankCount is the number of priority buckets (low..urgent).
const rankCount = 4

// taskQueue holds queued tasks in strict priority buckets, FIFO within a
// bucket. It is not safe for concurrent use; the engine's mutex guards it.
// Dequeue and cancel tombstone bucket slots instead of splicing, so enqueue,
// dequeue, and cancel stay O(1) amortized; a bucket compacts once live
// entries fall below half its length. An entry counts as live for bucket
// `rank` only while inQueue is set and effRank still equals rank; promotion
// leaves a stale pointer behind in the old bucket.
type taskQueue struct {
	buckets [rankCount][]*task
	live    [rankCount]int
	index   map[string]*task
}

func newTaskQueue() *taskQueue {
	return &taskQueue{index: make(map[string]*task)}
}

func (q *taskQueue) liveAt(t *task, rank int) bool {
	return t.inQueue && t.effRank == rank
}

// push appends t to its effective priority bucket and returns the 0-based
// position among live tasks in that bucket.
func (q *taskQueue) push(t *task) int {
	pos := q.live[t.effRank]
	t.inQueue = true
	q.buckets[t.effRank] = append(q.buckets[t.effRank], t)
	q.live[t.effRank]++
	q.index[t.TaskID] = t
	return pos
}

// remove takes t out of the queue. Returns false when t is not queued.
func (q *taskQueue) remove(t *task) bool {
	if _, ok := q.index[t.TaskID]; !ok {
		return false
	}
	delete(q.index, t.TaskID)
	t.inQueue = false
	q.live[t.effRank]--
	q.maybeCompact(t.effRank)
	return true
}

// get returns the queued task by ID, or nil.
func (q *taskQueue) get(taskID string) *task {
	return q.index[taskID]
}

// position recomputes t's 0-based rank among live tasks in its current
// bucket. Linear in the bucket; only called on reads.
func (q *taskQueue) position(t *task) int {
	if !t.inQueue {
		return 0
	}
	pos := 0
	for _, cand := range q.buckets[t.effRank] {
		if cand == t {
			return pos
		}
		if q.liveAt(cand, t.effRank) {
			pos++
		}
	}
	return pos
}

// next returns the highest-priority live task accepted by ok, scanning
// urgent down to low, FIFO within each bucket. The task stays queued; the
// caller claims it explicitly.
func (q *taskQueue) next(ok func(*task) bool) *task {
	for rank := rankCount - 1; rank >= 0; rank-- {
		for _, t := range q.buckets[rank] {
			if !q.liveAt(t, rank) {
				continue
			}
			if ok(t) {
				return t
			}
		}
	}
	return nil
}

// depths reports live counts per priority bucket.
func (q *taskQueue) depths() models.QueueStats {
	s := models.QueueStats{
		Low:    q.live[models.PriorityRank(models.PriorityLow)],
		Normal: q.live[models.PriorityRank(models.PriorityNormal)],
		High:   q.live[models.PriorityRank(models.PriorityHigh)],
		Urgent: q.live[models.PriorityRank(models.PriorityUrgent)],
	}
	s.Total = s.Low + s.Normal + s.High + s.Urgent
	return s
}

// age bumps the wait counter of every live task outranked by claimedRank and
// promotes tasks that have waited agingPasses dispatch passes, one bucket at
// a time up to urgent. Promotion moves the task to the tail of the next
// bucket; the submitted priority field is never touched. Buckets are walked
// top-down so a promoted task is not revisited within the same pass.
func (q *taskQueue) age(claimedRank, agingPasses int) {
	if agingPasses <= 0 {
		return
	}
	for rank := claimedRank - 1; rank >= 0; rank-- {
		for _, t := range q.buckets[rank] {
			if !q.liveAt(t, rank) {
				continue
			}
			t.waits++
			if t.waits >= agingPasses && t.effRank < rankCount-1 {
				q.promote(t)
			}
		}
	}
}

// promote moves t one bucket up, leaving a stale pointer in the old bucket.
// No compaction here: callers may be mid-iteration over the old bucket.
func (q *taskQueue) promote(t *task) {
	q.live[t.effRank]--
	t.effRank++
	t.waits = 0
	q.buckets[t.effRank] = append(q.buckets[t.effRank], t)
	q.live[t.effRank]++
}

// maybeCompact rewrites a bucket once live entries fall below half its
// length, dropping tombstones and stale promoted pointers.
func (q *taskQueue) maybeCompact(rank int) {
	b := q.buckets[rank]
	if len(b) < 16 || q.live[rank]*2 >= len(b) {
		return
	}
	kept := b[:0]
	for _, t := range b {
		if q.liveAt(t, rank) {
			kept = append(kept, t)
		}
	}
	q.buckets[rank] = kept
}
