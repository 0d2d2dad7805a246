package call

import (
	"errors"
	"fmt"
	"testing"
)

func TestCandidateQueueFIFO(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			q := newCandidateQueue(16)
			for i := 0; i < n; i++ {
				if err := q.Enqueue(testCandidate(fmt.Sprintf("cand-%d", i))); err != nil {
					t.Fatalf("enqueue %d: %v", i, err)
				}
			}
			if q.Len() != n {
				t.Fatalf("len = %d, want %d", q.Len(), n)
			}

			h := &fakeHandle{remoteSet: true, attached: true}
			applied, dropped := q.DrainInto(h)
			if applied != n || dropped != 0 {
				t.Fatalf("applied=%d dropped=%d, want %d/0", applied, dropped, n)
			}
			if q.Len() != 0 {
				t.Fatalf("queue not empty after drain")
			}
			for i, c := range h.added {
				if want := fmt.Sprintf("cand-%d", i); c.Candidate != want {
					t.Fatalf("added[%d] = %q, want %q", i, c.Candidate, want)
				}
			}
		})
	}
}

func TestCandidateQueueOverflow(t *testing.T) {
	q := newCandidateQueue(2)
	if err := q.Enqueue(testCandidate("a")); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := q.Enqueue(testCandidate("b")); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := q.Enqueue(testCandidate("c")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("enqueue c = %v, want ErrQueueFull", err)
	}
	if q.Len() != 2 {
		t.Fatalf("len = %d after overflow, want 2", q.Len())
	}
}

func TestCandidateQueueDrainContinuesPastBadCandidate(t *testing.T) {
	q := newCandidateQueue(8)
	for _, c := range []string{"good-1", "bad", "good-2"} {
		if err := q.Enqueue(testCandidate(c)); err != nil {
			t.Fatalf("enqueue %s: %v", c, err)
		}
	}

	h := &fakeHandle{remoteSet: true, attached: true, rejectCandidate: "bad"}
	applied, dropped := q.DrainInto(h)
	if applied != 2 || dropped != 1 {
		t.Fatalf("applied=%d dropped=%d, want 2/1", applied, dropped)
	}
}
