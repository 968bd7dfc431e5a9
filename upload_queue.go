package goed2k

import (
	"sort"
	"sync"
	"time"
)

// UploadQueue arbitrates the scarce upload slots. Requesters past the
// slot limit wait ranked by (score descending, wait time descending);
// when a slot frees the best-ranked waiter is promoted.
type UploadQueue struct {
	mutex  sync.Mutex
	limit  int
	active []*PeerConnection
	queued []*uploadWaiter
}

type uploadWaiter struct {
	pc      *PeerConnection
	since   time.Time
	score   int
}

func NewUploadQueue(limit int) *UploadQueue {
	if limit <= 0 {
		limit = 8
	}

	return &UploadQueue{limit: limit}
}

// Request grants a slot immediately or parks the requester; the
// returned rank is zero for a granted slot, the 1-based queue position
// otherwise.
func (q *UploadQueue) Request(pc *PeerConnection, score int, now time.Time) int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for _, a := range q.active {
		if a == pc {
			return 0
		}
	}

	if len(q.active) < q.limit {
		q.active = append(q.active, pc)
		return 0
	}

	for i, w := range q.queued {
		if w.pc == pc {
			w.score = score
			return i + 1
		}
	}

	q.queued = append(q.queued, &uploadWaiter{pc: pc, since: now, score: score})
	q.sortLocked()
	return q.rankLocked(pc)
}

func (q *UploadQueue) sortLocked() {
	sort.SliceStable(q.queued, func(i, j int) bool {
		if q.queued[i].score != q.queued[j].score {
			return q.queued[i].score > q.queued[j].score
		}

		return q.queued[i].since.Before(q.queued[j].since)
	})
}

func (q *UploadQueue) rankLocked(pc *PeerConnection) int {
	for i, w := range q.queued {
		if w.pc == pc {
			return i + 1
		}
	}

	return len(q.queued)
}

func (q *UploadQueue) rankOf(pc *PeerConnection) int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.rankLocked(pc)
}

// Release drops the connection from the slot set or the wait list and
// returns the waiter promoted into the freed slot, if any.
func (q *UploadQueue) Release(pc *PeerConnection) *PeerConnection {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for i, a := range q.active {
		if a == pc {
			q.active = append(q.active[:i], q.active[i+1:]...)
			if len(q.queued) > 0 {
				next := q.queued[0].pc
				q.queued = q.queued[1:]
				q.active = append(q.active, next)
				return next
			}

			return nil
		}
	}

	for i, w := range q.queued {
		if w.pc == pc {
			q.queued = append(q.queued[:i], q.queued[i+1:]...)
			break
		}
	}

	return nil
}

func (q *UploadQueue) HasSlot(pc *PeerConnection) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for _, a := range q.active {
		if a == pc {
			return true
		}
	}

	return false
}

// Rankings snapshots the wait list for the periodic QUEUERANKING push.
func (q *UploadQueue) Rankings() map[*PeerConnection]int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	res := make(map[*PeerConnection]int, len(q.queued))
	for i, w := range q.queued {
		res[w.pc] = i + 1
	}

	return res
}
