package orchestrator

import (
	"container/heap"
	"context"
	"errors"
	"time"

	"submission-dispatcher/internal/catalog"
	"submission-dispatcher/internal/models"
)

// task is the in-memory state machine for one directory of a job. Attempt
// counts live on the result row so they survive a worker change.
type task struct {
	dir          catalog.Directory
	key          string
	fields       map[string]string
	inserted     bool
	orphan       bool // row from an earlier owner for a directory no longer expanded
	nextEligible time.Time
	terminal     string
	index        int
}

type outcomeKind int

const (
	outcomeDone      outcomeKind = iota // terminal state recorded or observed
	outcomeRetry                        // transient failure, attempt released
	outcomeBusy                         // another attempt holds the row
	outcomeThrottled                    // directory rate limit, no attempt consumed
	outcomeAbandoned                    // job is no longer ours
)

type outcome struct {
	task   *task
	kind   outcomeKind
	status string
	delay  time.Duration
}

// taskHeap orders tasks by next eligible time.
type taskHeap []*task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].nextEligible.Before(h[j].nextEligible) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

var errAbandoned = errors.New("job ownership lost")

// schedule drives tasks until every one is terminal. At most limit attempts run
// at once. When ctx ends no new attempts start; in-flight ones finish first.
func (o *Orchestrator) schedule(ctx context.Context, job models.Job, tasks []*task, limit int) error {
	if limit <= 0 {
		limit = 1
	}
	h := &taskHeap{}
	now := time.Now()
	for _, t := range tasks {
		t.nextEligible = now
		heap.Push(h, t)
	}

	results := make(chan outcome)
	inFlight := 0
	abandoned := false

	for h.Len() > 0 || inFlight > 0 {
		stopping := ctx.Err() != nil || abandoned
		if !stopping {
			now = time.Now()
			for inFlight < limit && h.Len() > 0 && !(*h)[0].nextEligible.After(now) {
				t := heap.Pop(h).(*task)
				inFlight++
				go func(t *task) {
					results <- o.attempt(ctx, job, t)
				}(t)
			}
		}
		if stopping && inFlight == 0 {
			break
		}

		var timer *time.Timer
		var wake, done <-chan struct{}
		if !stopping {
			done = ctx.Done()
			if h.Len() > 0 && inFlight < limit {
				fired := make(chan struct{})
				timer = time.AfterFunc(time.Until((*h)[0].nextEligible), func() { close(fired) })
				wake = fired
			}
		}

		select {
		case out := <-results:
			inFlight--
			o.reporter.Progress()
			t := out.task
			switch out.kind {
			case outcomeDone:
				t.terminal = out.status
				o.touch(ctx, job.ID)
			case outcomeAbandoned:
				abandoned = true
			default:
				t.nextEligible = time.Now().Add(out.delay)
				heap.Push(h, t)
			}
		case <-wake:
			o.reporter.Progress()
		case <-done:
		}
		if timer != nil {
			timer.Stop()
		}
	}

	if abandoned {
		return errAbandoned
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}
