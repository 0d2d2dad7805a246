package call

import (
	"github.com/tellory/peercall/internal/media"
	"github.com/tellory/peercall/internal/wire"
)

// candidateQueue buffers remote ICE candidates that arrive before the remote
// description is applied. Bounded FIFO; overflow is surfaced so the session
// can fail the attempt instead of growing without limit.
type candidateQueue struct {
	limit int
	items []wire.Candidate
}

func newCandidateQueue(limit int) *candidateQueue {
	if limit <= 0 {
		limit = 256
	}
	return &candidateQueue{limit: limit}
}

func (q *candidateQueue) Enqueue(c wire.Candidate) error {
	if len(q.items) >= q.limit {
		return ErrQueueFull
	}
	q.items = append(q.items, c)
	return nil
}

// DrainInto applies every buffered candidate to the handle in arrival order
// and empties the queue. A candidate the handle rejects is dropped and
// counted; draining continues, matching trickle ICE's tolerance for
// individually bad candidates.
func (q *candidateQueue) DrainInto(h media.Handle) (applied, dropped int) {
	for _, c := range q.items {
		if err := h.AddICECandidate(c); err != nil {
			dropped++
			continue
		}
		applied++
	}
	q.items = nil
	return applied, dropped
}

func (q *candidateQueue) Clear() {
	q.items = nil
}

func (q *candidateQueue) Len() int {
	return len(q.items)
}
