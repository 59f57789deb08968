package queue

import "container/heap"

// item is an operation held in a priority bucket.
type item struct {
	op    *Operation
	seq   uint64
	index int
}

// bucket orders one priority level by scheduledAt, then by insertion.
type bucket []*item

func (b bucket) Len() int { return len(b) }

func (b bucket) Less(i, j int) bool {
	if !b[i].op.ScheduledAt.Equal(b[j].op.ScheduledAt) {
		return b[i].op.ScheduledAt.Before(b[j].op.ScheduledAt)
	}
	return b[i].seq < b[j].seq
}

func (b bucket) Swap(i, j int) {
	b[i], b[j] = b[j], b[i]
	b[i].index = i
	b[j].index = j
}

func (b *bucket) Push(x any) {
	it := x.(*item)
	it.index = len(*b)
	*b = append(*b, it)
}

func (b *bucket) Pop() any {
	old := *b
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*b = old[:n-1]
	return it
}

func (b bucket) peek() *item {
	if len(b) == 0 {
		return nil
	}
	return b[0]
}

// retrySchedule orders RETRY_SCHEDULED operations by nextRetryAt.
type retrySchedule []*Operation

func (r retrySchedule) Len() int { return len(r) }

func (r retrySchedule) Less(i, j int) bool {
	return r[i].NextRetryAt.Before(*r[j].NextRetryAt)
}

func (r retrySchedule) Swap(i, j int) { r[i], r[j] = r[j], r[i] }

func (r *retrySchedule) Push(x any) { *r = append(*r, x.(*Operation)) }

func (r *retrySchedule) Pop() any {
	old := *r
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	*r = old[:n-1]
	return op
}

var (
	_ heap.Interface = (*bucket)(nil)
	_ heap.Interface = (*retrySchedule)(nil)
)
