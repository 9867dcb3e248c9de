package inprocess

import (
	"container/heap"
	"time"

	"github.com/nvcnvn/duops"
)

// delivery is one pending poll of an operation.
type delivery struct {
	scheduleID    duops.ScheduleID
	discriminator duops.OperationDiscriminator
	id            duops.OperationID
	due           time.Time
	seq           uint64
}

// deliveryQueue is a min-heap on due time; seq keeps FIFO order among equal times.
type deliveryQueue []*delivery

func (q deliveryQueue) Len() int { return len(q) }

func (q deliveryQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q deliveryQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *deliveryQueue) Push(x any) { *q = append(*q, x.(*delivery)) }

func (q *deliveryQueue) Pop() any {
	old := *q
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return d
}

// popDue removes and returns the earliest delivery due at or before now.
func (q *deliveryQueue) popDue(now time.Time) (*delivery, bool) {
	if q.Len() == 0 || (*q)[0].due.After(now) {
		return nil, false
	}
	return heap.Pop(q).(*delivery), true
}
