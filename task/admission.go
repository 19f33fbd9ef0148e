package task

import (
	"log/slog"
	"sync"
)

// Admission decides whether a new task starts immediately or waits in the
// FIFO queue. Counter checks and queue mutations happen together under one
// mutex, held only for the decision, never across an engine call.
type Admission struct {
	mu          sync.Mutex
	maxActive   int
	maxPerOwner int
	maxQueued   int

	active        int
	activeByOwner map[string]int
	queue         []queuedTask

	gate   func() error // nil disables resource gating
	logger *slog.Logger
}

type queuedTask struct {
	id    string
	owner string
}

// promotion identifies a queued task whose slot was acquired during a
// release; the caller is responsible for actually starting its engine.
type promotion struct {
	ID    string
	Owner string
}

func NewAdmission(maxActive, maxPerOwner, maxQueued int, gate func() error, logger *slog.Logger) *Admission {
	return &Admission{
		maxActive:     maxActive,
		maxPerOwner:   maxPerOwner,
		maxQueued:     maxQueued,
		activeByOwner: map[string]int{},
		gate:          gate,
		logger:        logger,
	}
}

// Admit acquires a slot or appends to the queue. The task is materialized
// by the create callback, invoked under the admission lock only once the
// request is accepted, so a capacity-rejected task never exists anywhere:
// not in the registry, not in the queue. It returns true when the caller
// may start the engine now. ErrCapacity is the only failure: the owner's
// queue depth cap was hit.
func (a *Admission) Admit(owner string, create func() string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.headroomLocked(owner) && a.gateOKLocked() {
		a.active++
		a.activeByOwner[owner]++
		create()
		return true, nil
	}

	queued := 0
	for _, q := range a.queue {
		if q.owner == owner {
			queued++
		}
	}
	if a.maxQueued > 0 && queued >= a.maxQueued {
		return false, ErrCapacity
	}

	a.queue = append(a.queue, queuedTask{id: create(), owner: owner})
	return false, nil
}

// Release frees the slot held by a task of the given owner and promotes as
// many queued tasks as the freed headroom allows. Eligible tasks are taken
// in FIFO order, skipping owners at their ceiling.
func (a *Admission) Release(owner string) []promotion {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active > 0 {
		a.active--
	}
	if a.activeByOwner[owner] > 1 {
		a.activeByOwner[owner]--
	} else {
		delete(a.activeByOwner, owner)
	}
	return a.promoteLocked()
}

// Dequeue removes a still-queued task (cancellation path). No slot is
// released, but a promotion pass still runs: removing a head-of-queue task
// of a capped owner can unblock another owner's task.
func (a *Admission) Dequeue(id string) ([]promotion, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	found := false
	for i, q := range a.queue {
		if q.id == id {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			found = true
			break
		}
	}
	return a.promoteLocked(), found
}

// ActiveCount reports the number of held slots.
func (a *Admission) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Admission) headroomLocked(owner string) bool {
	if a.active >= a.maxActive {
		return false
	}
	if a.maxPerOwner > 0 && a.activeByOwner[owner] >= a.maxPerOwner {
		return false
	}
	return true
}

// gateOKLocked consults the resource gate. An idle controller always
// admits, otherwise a degraded host would never drain its queue.
func (a *Admission) gateOKLocked() bool {
	if a.gate == nil || a.active == 0 {
		return true
	}
	if err := a.gate(); err != nil {
		a.logger.Warn("resource gate deferred admission", "reason", err)
		return false
	}
	return true
}

func (a *Admission) promoteLocked() []promotion {
	var out []promotion
	for {
		picked := -1
		for i, q := range a.queue {
			if a.headroomLocked(q.owner) {
				picked = i
				break
			}
		}
		if picked < 0 {
			return out
		}
		q := a.queue[picked]
		a.queue = append(a.queue[:picked], a.queue[picked+1:]...)
		a.active++
		a.activeByOwner[q.owner]++
		out = append(out, promotion{ID: q.id, Owner: q.owner})
	}
}
