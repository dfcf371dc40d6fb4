// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package scheduler

import (
	"github.com/google/btree"

	"github.com/duxnet/duxnetd/ids"
)

// queueItem orders pending tasks by submission sequence, so each priority
// level drains FIFO.
type queueItem struct {
	seq  uint64
	task *Task
}

func lessBySeq(a, b *queueItem) bool {
	return a.seq < b.seq
}

// priorityQueues is five FIFO queues indexed by task priority. Not safe for
// concurrent use; the scheduler's lock guards it.
type priorityQueues struct {
	queues  [MaxPriority]*btree.BTreeG[*queueItem]
	nextSeq uint64
	bySeq   map[ids.TaskID]uint64
}

func newPriorityQueues() *priorityQueues {
	q := &priorityQueues{
		bySeq: make(map[ids.TaskID]uint64),
	}
	for i := range q.queues {
		q.queues[i] = btree.NewG[*queueItem](2, lessBySeq)
	}
	return q
}

func (q *priorityQueues) push(task *Task) {
	q.nextSeq++
	item := &queueItem{seq: q.nextSeq, task: task}
	q.queues[task.Priority-1].ReplaceOrInsert(item)
	q.bySeq[task.ID] = item.seq
}

// popHighest removes and returns the oldest task of the highest non-empty
// priority, or nil.
func (q *priorityQueues) popHighest() *Task {
	for priority := MaxPriority - 1; priority >= 0; priority-- {
		if item, ok := q.queues[priority].DeleteMin(); ok {
			delete(q.bySeq, item.task.ID)
			return item.task
		}
	}
	return nil
}

// remove drops [taskID] from whichever queue holds it.
func (q *priorityQueues) remove(taskID ids.TaskID, priority int) bool {
	seq, ok := q.bySeq[taskID]
	if !ok {
		return false
	}
	delete(q.bySeq, taskID)
	_, removed := q.queues[priority-1].Delete(&queueItem{seq: seq})
	return removed
}

func (q *priorityQueues) len() int {
	total := 0
	for _, tree := range q.queues {
		total += tree.Len()
	}
	return total
}

func (q *priorityQueues) lenAt(priority int) int {
	return q.queues[priority-1].Len()
}
