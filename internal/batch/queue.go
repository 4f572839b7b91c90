package batch

import (
	"sync"

	"github.com/book-expert/narration-service/internal/core"
)

// jobState is the live, in-memory side of an unfinished job.
type jobState struct {
	// mu guards job and pending; the orchestrator lock is always taken first.
	mu  sync.Mutex
	job *core.BatchJob
	// pending holds the indexes of items no worker has claimed yet.
	pending []int
	// inFlight counts claimed items that have not resolved.
	inFlight int
	// index is the position in jobQueue, -1 when not queued.
	index int
}

// claim is one item handed to a worker.
type claim struct {
	state *jobState
	index int
}

// jobQueue orders jobs with unclaimed items: higher priority first, then
// lower submission sequence. It implements heap.Interface.
type jobQueue []*jobState

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	left, right := q[i].job, q[j].job

	if left.Priority.Rank() != right.Priority.Rank() {
		return left.Priority.Rank() > right.Priority.Rank()
	}

	return left.Sequence < right.Sequence
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	state, _ := x.(*jobState)
	state.index = len(*q)
	*q = append(*q, state)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	state := old[n-1]
	old[n-1] = nil
	state.index = -1
	*q = old[:n-1]

	return state
}
